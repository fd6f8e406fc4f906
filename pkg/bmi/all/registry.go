// Package all wires every module ecosystem into one registry.
package all

import (
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	"github.com/wehubfusion/Okeanos/pkg/bmi/jsmodule"
	_ "github.com/wehubfusion/Okeanos/pkg/bmi/models"
	"github.com/wehubfusion/Okeanos/pkg/bmi/native"
	"go.uber.org/zap"
)

// NewRegistry creates a registry with all built-in loaders registered
func NewRegistry(logger *zap.Logger) *bmi.Registry {
	registry := bmi.NewRegistry()

	registry.Register(native.TypeGo, native.Loader{})
	registry.Register(native.TypePlugin, native.PluginLoader{})

	// DefaultConfig always validates
	jsLoader, _ := jsmodule.NewLoader(jsmodule.DefaultConfig(), logger)
	registry.Register(jsmodule.Type, jsLoader)

	return registry
}
