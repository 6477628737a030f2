package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "testdata/launch.yaml")
	require.NoError(t, err)
	var res types.DAGValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.IsValid)

	out, err = execute(t, "validate", "testdata/cycle.yaml")
	assert.ErrorIs(t, err, errInvalidGraph)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.HasCycles)

	_, err = execute(t, "validate", "testdata/missing.yaml")
	assert.Error(t, err)
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, "plan", "testdata/launch.yaml", "--parallelism", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "brief --> blog")
	assert.Contains(t, out, "wave 1: brief")
	assert.Contains(t, out, "wave 2: blog")
	assert.Contains(t, out, "wave 3: social")
	assert.Contains(t, out, "wave 4: review")

	_, err = execute(t, "plan", "testdata/cycle.yaml")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	t.Setenv("CAMPAIGN_LOG_LEVEL", "error")
	out, err := execute(t, "run", "testdata/launch.yaml", "--campaign", "cli-test")
	require.NoError(t, err)
	var summary types.ExecutionSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 4, summary.Completed)
	assert.True(t, summary.IsComplete)
}
