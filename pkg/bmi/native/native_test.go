package native

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Okeanos/pkg/bmi"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

type nopModule struct{}

func (nopModule) Initialize(map[string]any) error        { return nil }
func (nopModule) Update(float64) error                   { return nil }
func (nopModule) UpdateUntil(float64) error              { return nil }
func (nopModule) GetValue(string) ([]float64, error)     { return nil, nil }
func (nopModule) SetValue(string, []float64) error       { return nil }
func (nopModule) GetCurrentTime() float64                { return 0 }
func (nopModule) GetEndTime() float64                    { return 0 }
func (nopModule) GetTimeStep() float64                   { return 1 }
func (nopModule) Finalize() error                        { return nil }

func TestLoaderResolvesRegisteredEntryPoint(t *testing.T) {
	Register("test_nop", func() bmi.Module { return nopModule{} })
	assert.Contains(t, EntryPoints(), "test_nop")

	m, err := Loader{}.Load(context.Background(), bmi.Descriptor{ID: "m", Type: TypeGo, EntryPoint: "test_nop"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = Loader{}.Load(context.Background(), bmi.Descriptor{ID: "m", Type: TypeGo, EntryPoint: "unknown"})
	assert.ErrorIs(t, err, okerrors.ErrModuleLoad)
}

func TestPluginLoaderBadPath(t *testing.T) {
	_, err := PluginLoader{}.Load(context.Background(), bmi.Descriptor{ID: "p", Type: TypePlugin, Path: "/nonexistent/module.so", EntryPoint: "New"})
	assert.ErrorIs(t, err, okerrors.ErrModuleLoad)

	_, err = PluginLoader{}.Load(context.Background(), bmi.Descriptor{ID: "p", Type: TypePlugin})
	assert.ErrorIs(t, err, okerrors.ErrModuleLoad)
}
