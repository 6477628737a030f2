package graph

import (
	"strings"
	"testing"

	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	t.Parallel()

	g := FromDefinition("c1", def(
		task("a"), task("b"), task("c"),
		task("d", "a", "b"),
		task("e", "d", "c"),
	))

	waves, summary := g.Plan(2)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, waves)
	assert.Equal(t, 5, summary.Completed)
	assert.True(t, summary.IsComplete)
	assert.Equal(t, 1.0, summary.Progress)

	// The receiver is untouched.
	assert.Equal(t, 5, g.Summary().Pending)
	assert.Empty(t, g.TakeDirty())
}

func TestPlanAroundFailures(t *testing.T) {
	t.Parallel()

	g := FromDefinition("c1", def(task("a"), task("b", "a"), task("c")))
	fail(t, g, "a")

	waves, summary := g.Plan(0)
	require.Equal(t, [][]string{{"c"}}, waves)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Blocked)
	assert.False(t, summary.IsComplete)
	assert.True(t, summary.HasFailures)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	g := FromDefinition("c1", def(
		types.TaskDefinition{NodeID: "research", TaskType: "llm", AgentType: "writer", Priority: 2},
		task("publish", "research"),
	))

	var b strings.Builder
	require.NoError(t, g.Describe(&b))
	out := b.String()
	assert.Contains(t, out, "Campaign: c1")
	assert.Contains(t, out, "* research [PENDING] type=llm agent=writer priority=2")
	assert.Contains(t, out, "- publish [PENDING] type=noop")
	assert.Contains(t, out, "research --> publish")

	b.Reset()
	waves, _ := g.Plan(4)
	require.NoError(t, DescribePlan(&b, waves))
	assert.Equal(t, "Execution plan:\n  wave 1: research\n  wave 2: publish\n", b.String())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	nodes := []types.GraphNode{
		{NodeID: "a", Status: types.StatusCompleted},
		{NodeID: "b", Status: types.StatusSkipped},
		{NodeID: "c", Status: types.StatusFailed},
		{NodeID: "d", Status: types.StatusBlocked},
	}
	s := Summarize(nodes)
	assert.Equal(t, types.ExecutionSummary{
		Total: 4, Completed: 1, Skipped: 1, Failed: 1, Blocked: 1,
		Progress: 0.5, HasFailures: true,
	}, s)

	s = Summarize(nodes[:2])
	assert.True(t, s.IsComplete)
	assert.False(t, s.HasFailures)

	assert.True(t, Summarize(nil).IsComplete)
}
