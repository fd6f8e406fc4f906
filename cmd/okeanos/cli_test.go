package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Okeanos/pkg/config"
	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
	"github.com/wehubfusion/Okeanos/pkg/partition"
)

const realizationHCL = `
simulation {
  start = "2015-12-01 00:00:00"
  end   = "2015-12-01 03:00:00"
}

catchment "cat-1" {
  to = "nex-1"
  formulation {
    module "head" {
      type        = "go"
      entry_point = "constant"
      config      = { values = { Q_OUT = 5 } }
      output "Q_OUT" { unit = "m3/s" }
    }
  }
}

catchment "cat-2" {
  to = "nex-2"
  formulation {
    module "lr" {
      type        = "go"
      entry_point = "linear_reservoir"
      config      = { k = 0.5 }
      input "upstream_inflow" {
        unit    = "m3/s"
        default = 0
      }
      output "Q_OUT" { unit = "m3/s" }
    }
  }
}

nexus "nex-1" {
  receiver "cat-2" {}
}

nexus "nex-2" {}
`

func writeRealization(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realization.hcl")
	require.NoError(t, os.WriteFile(path, []byte(realizationHCL), 0o644))
	return path
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, nil))
	assert.Contains(t, out.String(), "okeanos partition")

	err := run(context.Background(), &out, []string{"simulate"})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestPartitionWritesPlan(t *testing.T) {
	path := writeRealization(t)
	planPath := filepath.Join(t.TempDir(), "partition.json")

	var out bytes.Buffer
	err := run(context.Background(), &out, []string{
		"partition", "-realization", path, "-workers", "2", "-strategy", "contiguous", "-o", planPath,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "wrote plan for 2 workers")

	plan, err := partition.ReadFile(planPath)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Workers)
	assert.Equal(t, []string{"nex-1"}, plan.BoundaryNexuses())
}

func TestPartitionFlagErrors(t *testing.T) {
	path := writeRealization(t)
	tests := []struct {
		name string
		args []string
	}{
		{"publish without run id", []string{"partition", "-realization", path, "-publish"}},
		{"bad flag", []string{"partition", "-shards", "2"}},
		{"stray argument", []string{"partition", "-realization", path, "extra"}},
		{"bad log level", []string{"run", "-realization", path, "-log-level", "chatty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), &bytes.Buffer{}, tt.args)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestRunLocalWritesFlows(t *testing.T) {
	path := writeRealization(t)
	flowsPath := filepath.Join(t.TempDir(), "flows.json")

	var out bytes.Buffer
	err := run(context.Background(), &out, []string{
		"run", "-realization", path, "-workers", "2", "-strategy", "contiguous", "-local",
		"-run-id", "cli-local", "-flows", flowsPath,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "run cli-local: 2 nexuses settled")
	assert.Contains(t, out.String(), "nex-2")

	data, err := os.ReadFile(flowsPath)
	require.NoError(t, err)
	var flows map[string][]float64
	require.NoError(t, json.Unmarshal(data, &flows))
	assert.Equal(t, []float64{0, 2.5, 3.75}, flows["nex-2"])
}

func TestRunMissingRealization(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, []string{"run", "-realization", filepath.Join(t.TempDir(), "none.hcl")})
	assert.Error(t, err)
}

func TestErrorTags(t *testing.T) {
	cfg := config.DefaultWorkerConfig().WithRunID("r-1").WithWorkers(2).WithRank(1)
	err := okerrors.Newf(okerrors.UpdateError, "diverged").WithNode("cat-9").WithStep(4)

	tags := errorTags(err, cfg)
	assert.Equal(t, map[string]string{
		"run_id":    "r-1",
		"rank":      "1",
		"transport": "memory",
		"kind":      "UPDATE_ERROR",
		"node_id":   "cat-9",
		"step":      "4",
	}, tags)

	tags = errorTags(assert.AnError, cfg)
	assert.NotContains(t, tags, "kind")
}
