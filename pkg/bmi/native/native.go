// Package native loads modules written in Go, either compiled into the
// binary and registered by name, or opened from a Go plugin file.
package native

import (
	"context"
	"sort"
	"sync"

	"github.com/wehubfusion/Okeanos/pkg/bmi"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// TypeGo is the descriptor type for registered in-process modules.
const TypeGo = "go"

// Constructor creates a fresh module instance.
type Constructor func() bmi.Module

var (
	mu           sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a constructor loadable under entryPoint.
func Register(entryPoint string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	constructors[entryPoint] = c
}

// EntryPoints returns the registered names, sorted.
func EntryPoints() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Loader resolves descriptors of type "go" against registered constructors.
type Loader struct{}

// Load implements bmi.Loader.
func (Loader) Load(_ context.Context, desc bmi.Descriptor) (bmi.Module, error) {
	mu.RLock()
	c, ok := constructors[desc.EntryPoint]
	mu.RUnlock()
	if !ok {
		return nil, okerrors.Newf(okerrors.ModuleLoadError, "no Go module registered as %q", desc.EntryPoint).WithNode(desc.ID)
	}
	return c(), nil
}
