package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := Newf(RemoteSyncTimeout, "no flow from peers").WithNode("nex-12").WithStep(4).WithRank(1)
	assert.Equal(t, "[REMOTE_SYNC_TIMEOUT] no flow from peers (node=nex-12 step=4 rank=1)", err.Error())

	wrapped := New(ModuleLoadError, "cannot open module", fmt.Errorf("no such file"))
	assert.Equal(t, "[MODULE_LOAD_ERROR] cannot open module: no such file", wrapped.Error())
}

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("catchment failed: %w", Newf(UnitMismatch, "mm vs s"))

	assert.True(t, errors.Is(err, ErrUnitMismatch))
	assert.False(t, errors.Is(err, ErrUnknownVariable))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, UnitMismatch, kind)
	assert.True(t, IsKind(err, UnitMismatch))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		kind  Kind
		fatal bool
	}{
		{InvalidTopology, true},
		{RemoteSyncTimeout, true},
		{RunAborted, true},
		{TimeStepError, false},
		{UpdateError, false},
		{UnsatisfiedInput, false},
		{InitializationError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(New(tt.kind, "x", nil)))
		})
	}
	assert.False(t, IsFatal(errors.New("plain")))
}

func TestAnnotate(t *testing.T) {
	base := Newf(TimeStepError, "dt mismatch").WithNode("m1")
	err := Annotate(base, InvalidState, "cat-1", 3, 0)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "m1", e.NodeID, "existing node id is kept")
	assert.Equal(t, 3, e.Step)
	assert.Equal(t, 0, e.Rank)
	assert.Equal(t, -1, base.Step, "original error is not mutated")

	plain := Annotate(errors.New("boom"), InvalidState, "cat-2", 1, 2)
	assert.True(t, IsKind(plain, InvalidState))
	assert.Nil(t, Annotate(nil, InvalidState, "", 0, 0))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(Newf(RemoteSyncTimeout, "late")))
	assert.True(t, IsNotConnected(fmt.Errorf("x: %w", ErrNotConnected)))
}
