package jsmodule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ErrorType categorizes script failures
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeContract ErrorType = "contract_error"
)

// JSError is a structured JavaScript failure
type JSError struct {
	Type     ErrorType
	Function string
	Message  string
	Stack    string
}

// Error implements the error interface
func (e *JSError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Type)
	if e.Function != "" {
		fmt.Fprintf(&b, " in %s()", e.Function)
	}
	b.WriteString(" " + e.Message)
	return b.String()
}

// wrapCallError converts an error returned by goja into a *JSError.
func wrapCallError(fn string, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &JSError{Type: ErrorTypeTimeout, Function: fn, Message: fmt.Sprintf("call exceeded %s", timeout)}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Error()
		if v := exc.Value(); v != nil && !goja.IsUndefined(v) {
			msg = v.String()
		}
		return &JSError{Type: ErrorTypeRuntime, Function: fn, Message: msg, Stack: exc.String()}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &JSError{Type: ErrorTypeSyntax, Message: syntax.Error()}
	}
	return &JSError{Type: ErrorTypeRuntime, Function: fn, Message: err.Error()}
}
