package graph

import (
	"fmt"
	"testing"

	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		def         types.TaskGraphDefinition
		valid       bool
		cycles      bool
		missing     []types.MissingDependency
		unreachable []string
	}{
		{
			name:  "diamond",
			def:   def(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")),
			valid: true,
		},
		{
			name:  "independent roots",
			def:   def(task("a"), task("b"), task("c", "a", "b")),
			valid: true,
		},
		{
			name:        "self loop",
			def:         def(task("a", "a"), task("b", "a")),
			cycles:      true,
			unreachable: []string{"a", "b"},
		},
		{
			name:        "three node cycle with healthy branch",
			def:         def(task("a", "c"), task("b", "a"), task("c", "b"), task("d", "c"), task("x")),
			cycles:      true,
			unreachable: []string{"a", "b", "c", "d"},
		},
		{
			name:        "missing dependency",
			def:         def(task("a"), task("b", "ghost"), task("c", "b")),
			missing:     []types.MissingDependency{{NodeID: "b", DependsOn: "ghost"}},
			unreachable: []string{"b", "c"},
		},
		{
			name: "empty graph",
			def:  def(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := Validate(tt.def)
			assert.Equal(t, tt.valid, result.IsValid)
			assert.Equal(t, tt.cycles, result.HasCycles)
			assert.Equal(t, tt.missing, result.MissingDependencies)
			assert.Equal(t, tt.unreachable, result.UnreachableNodes)
			if tt.valid {
				assert.Empty(t, result.Errors)
				assert.NoError(t, Check(tt.def))
			} else {
				assert.NotEmpty(t, result.Errors)
				assert.Error(t, Check(tt.def))
			}
		})
	}
}

func TestValidateCycleWitness(t *testing.T) {
	t.Parallel()

	result := Validate(def(task("a", "b"), task("b", "a")))
	require.True(t, result.HasCycles)
	require.Len(t, result.Cycles, 1)
	require.Equal(t, []string{"a", "b", "a"}, result.Cycles[0])
}

func TestValidateIdentity(t *testing.T) {
	t.Parallel()

	result := Validate(def(
		task("a"),
		task("a"),
		types.TaskDefinition{TaskType: "noop"},
		types.TaskDefinition{NodeID: "b", TaskType: "noop", MaxRetries: retries(-1)},
	))
	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 3)

	err := Check(def(task("a"), task("a")))
	require.ErrorIs(t, err, ErrDuplicateNode)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCheckIdentity(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckIdentity(def(task("a", "ghost"), task("b", "b"))))

	err := CheckIdentity(def(task("a"), task("b"), task("a", "b")))
	require.ErrorIs(t, err, ErrDuplicateNode)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "a", verr.Node)

	err = CheckIdentity(def(task("a"), types.TaskDefinition{TaskType: "noop"}))
	require.ErrorIs(t, err, ErrEmptyNodeID)
}

func TestCheckSentinels(t *testing.T) {
	t.Parallel()

	err := Check(def(task("a", "b"), task("b", "a")))
	require.ErrorIs(t, err, ErrCyclicDependency)

	err = Check(def(task("a", "ghost")))
	require.ErrorIs(t, err, ErrMissingDependency)
	require.NotErrorIs(t, err, ErrCyclicDependency)
}

func TestValidateDeepChain(t *testing.T) {
	t.Parallel()

	const depth = 20000
	nodes := make([]types.TaskDefinition, depth)
	nodes[0] = task(chainID(0))
	for i := 1; i < depth; i++ {
		nodes[i] = task(chainID(i), chainID(i-1))
	}
	result := Validate(def(nodes...))
	require.True(t, result.IsValid, result.Errors)

	nodes[0] = task(chainID(0), chainID(depth-1))
	result = Validate(def(nodes...))
	require.True(t, result.HasCycles)
	require.Len(t, result.UnreachableNodes, depth)
}

func chainID(i int) string {
	return fmt.Sprintf("n%05d", i)
}
