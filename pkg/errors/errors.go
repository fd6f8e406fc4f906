// Package errors defines the error kinds shared by every Okeanos component.
//
// Every failure raised by the bus, module bindings, formulations, the graph
// and the executor is an *Error carrying a Kind. Callers decide whether to
// propagate or abort by kind, see IsFatal.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Okeanos error.
type Kind string

const (
	ModuleLoadError     Kind = "MODULE_LOAD_ERROR"
	InitializationError Kind = "INITIALIZATION_ERROR"
	TimeStepError       Kind = "TIME_STEP_ERROR"
	UpdateError         Kind = "UPDATE_ERROR"
	UnknownVariable     Kind = "UNKNOWN_VARIABLE"
	UnitMismatch        Kind = "UNIT_MISMATCH"
	UnsatisfiedInput    Kind = "UNSATISFIED_INPUT"
	InvalidState        Kind = "INVALID_STATE"
	InvalidTopology     Kind = "INVALID_TOPOLOGY"
	RemoteSyncTimeout   Kind = "REMOTE_SYNC_TIMEOUT"

	// RunAborted is reported by workers whose peer aborted the distributed run.
	RunAborted Kind = "RUN_ABORTED"
)

var (
	ErrModuleLoad        = errors.New("module load failed")
	ErrInitialization    = errors.New("module initialization failed")
	ErrTimeStep          = errors.New("invalid time step")
	ErrUpdate            = errors.New("module update failed")
	ErrUnknownVariable   = errors.New("unknown variable")
	ErrUnitMismatch      = errors.New("unit mismatch")
	ErrUnsatisfiedInput  = errors.New("unsatisfied input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrRemoteSyncTimeout = errors.New("remote sync timeout")
	ErrRunAborted        = errors.New("run aborted")
)

var (
	// ErrNotConnected indicates that a transport has no live connection
	ErrNotConnected = errors.New("not connected")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")
)

var sentinels = map[Kind]error{
	ModuleLoadError:     ErrModuleLoad,
	InitializationError: ErrInitialization,
	TimeStepError:       ErrTimeStep,
	UpdateError:         ErrUpdate,
	UnknownVariable:     ErrUnknownVariable,
	UnitMismatch:        ErrUnitMismatch,
	UnsatisfiedInput:    ErrUnsatisfiedInput,
	InvalidState:        ErrInvalidState,
	InvalidTopology:     ErrInvalidTopology,
	RemoteSyncTimeout:   ErrRemoteSyncTimeout,
	RunAborted:          ErrRunAborted,
}

// Error represents a structured Okeanos error
type Error struct {
	// Kind is the machine-readable error kind
	Kind Kind

	// Message is a human-readable error message
	Message string

	// NodeID is the catchment, nexus or module the error is about, if any
	NodeID string

	// Step is the simulation step index, -1 when unknown
	Step int

	// Rank is the worker rank, -1 when unknown
	Rank int

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var where []string
	if e.NodeID != "" {
		where = append(where, "node="+e.NodeID)
	}
	if e.Step >= 0 {
		where = append(where, fmt.Sprintf("step=%d", e.Step))
	}
	if e.Rank >= 0 {
		where = append(where, fmt.Sprintf("rank=%d", e.Rank))
	}
	if len(where) > 0 {
		b.WriteString(" (" + strings.Join(where, " ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New creates a new error of the given kind
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Step:    -1,
		Rank:    -1,
		Err:     err,
	}
}

// Newf creates a new error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// WithNode returns a copy of e naming the node it concerns.
func (e Error) WithNode(id string) *Error {
	e.NodeID = id
	return &e
}

// WithStep returns a copy of e tagged with a step index.
func (e Error) WithStep(step int) *Error {
	e.Step = step
	return &e
}

// WithRank returns a copy of e tagged with a worker rank.
func (e Error) WithRank(rank int) *Error {
	e.Rank = rank
	return &e
}

// Annotate fills in missing node, step and rank information on the first
// *Error in err's chain, or wraps err as kind when there is none.
func Annotate(err error, kind Kind, nodeID string, step, rank int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = New(kind, "operation failed", err)
	} else {
		cp := *e
		e = &cp
	}
	if e.NodeID == "" {
		e.NodeID = nodeID
	}
	if e.Step < 0 {
		e.Step = step
	}
	if e.Rank < 0 {
		e.Rank = rank
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsFatal reports whether err must abort the entire distributed run rather
// than a single catchment step.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case InvalidTopology, RemoteSyncTimeout, RunAborted:
		return true
	}
	return false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRemoteSyncTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
