package native

import (
	"context"
	"os"
	"plugin"

	"github.com/wehubfusion/Okeanos/pkg/bmi"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// TypePlugin is the descriptor type for Go plugin shared objects.
const TypePlugin = "goplugin"

// PluginLoader opens Path as a Go plugin and calls the EntryPoint symbol,
// which must have type func() bmi.Module.
type PluginLoader struct{}

// Load implements bmi.Loader.
func (PluginLoader) Load(_ context.Context, desc bmi.Descriptor) (bmi.Module, error) {
	if desc.Path == "" {
		return nil, okerrors.Newf(okerrors.ModuleLoadError, "plugin module has no path").WithNode(desc.ID)
	}
	if _, err := os.Stat(desc.Path); err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "plugin file "+desc.Path, err).WithNode(desc.ID)
	}

	p, err := plugin.Open(desc.Path)
	if err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "opening plugin "+desc.Path, err).WithNode(desc.ID)
	}
	sym, err := p.Lookup(desc.EntryPoint)
	if err != nil {
		return nil, okerrors.New(okerrors.ModuleLoadError, "entry point "+desc.EntryPoint, err).WithNode(desc.ID)
	}

	switch ctor := sym.(type) {
	case func() bmi.Module:
		return ctor(), nil
	case *func() bmi.Module:
		return (*ctor)(), nil
	}
	return nil, okerrors.Newf(okerrors.ModuleLoadError, "entry point %q has type %T, want func() bmi.Module", desc.EntryPoint, sym).WithNode(desc.ID)
}
