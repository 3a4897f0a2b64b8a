package compiler_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/compiler"
	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource lets tests build shapes the graph package would refuse, such as cycles.
type mapSource struct {
	nodes map[string]models.Node
	edges map[string][]string
}

func (s mapSource) Node(id string) (models.Node, bool) {
	node, ok := s.nodes[id]

	return node, ok
}

func (s mapSource) Successors(id string) []string {
	return s.edges[id]
}

func newCompiler(opts ...compiler.Option) *compiler.Compiler {
	return compiler.New(slog.New(slog.NewTextHandler(os.Stdout, nil)), opts...)
}

func appNode(id string) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindApplication, ApplicationID: "app-" + id, HostID: "local"}
}

func buildGraph(t *testing.T, nodes []models.Node, links ...[2]string) *graph.Graph {
	t.Helper()

	doc := models.WorkflowDocument{Name: "test", Nodes: nodes}
	for _, link := range links {
		doc.Links = append(doc.Links, models.Link{From: link[0], To: link[1]})
	}

	g, err := graph.Build(doc)
	require.NoError(t, err)

	return g
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}

	sort.Strings(out)

	return out
}

func TestCompile_Linear(t *testing.T) {
	t.Parallel()

	g := buildGraph(t,
		[]models.Node{
			{ID: "In1", Kind: models.NodeKindInput, Value: "x"},
			appNode("App1"),
			appNode("App2"),
			{ID: "Out1", Kind: models.NodeKindOutput},
		},
		[2]string{"In1:v", "App1:in"},
		[2]string{"App1:out", "App2:in"},
		[2]string{"App2:out", "Out1:v"},
	)

	tg, err := newCompiler().Compile(context.Background(), g, "linear", g.StartNodes())
	require.NoError(t, err)

	require.Len(t, tg.Tasks, 2)
	assert.Equal(t, []string{"App2"}, tg.Tasks["App1"].Children)
	assert.Empty(t, tg.Tasks["App2"].Children)

	spec := tg.Tasks["App1"]
	assert.Equal(t, "app-App1", spec.Command)
	assert.Equal(t, compiler.DefaultMaxAttemptsPerTask, spec.MaxAttemptsPerTask)
	assert.Equal(t, compiler.DefaultTimeoutPerTask, spec.TimeoutPerTask)
	assert.Equal(t, compiler.DefaultNumConcurrentTasksPerInstance, spec.NumConcurrentTasksPerInstance)
	assert.Equal(t, "app-App1", spec.Parameters[compiler.ParamApplicationID])
	assert.Equal(t, "local", spec.Parameters[compiler.ParamHostID])
	assert.Equal(t, 0, tg.Policy.FailureThreshold)
	assert.Equal(t, compiler.DefaultJobExpiry, tg.Policy.JobExpiry)
}

func TestCompile_DiamondIsSpecifiedOnce(t *testing.T) {
	t.Parallel()

	g := buildGraph(t,
		[]models.Node{
			{ID: "In", Kind: models.NodeKindInput, Value: "x"},
			appNode("A"), appNode("B"), appNode("C"), appNode("D"),
		},
		[2]string{"In:v", "A:in"},
		[2]string{"A:out", "B:in"},
		[2]string{"A:out", "C:in"},
		[2]string{"B:out", "D:left"},
		[2]string{"C:out", "D:right"},
	)

	tg, err := newCompiler().Compile(context.Background(), g, "diamond", g.StartNodes())
	require.NoError(t, err)

	require.Len(t, tg.Tasks, 4)
	assert.ElementsMatch(t, []string{"B", "C"}, tg.Tasks["A"].Children)
	assert.Equal(t, []string{"D"}, tg.Tasks["B"].Children)
	assert.Equal(t, []string{"D"}, tg.Tasks["C"].Children)
	assert.ElementsMatch(t, []string{"B", "C"}, tg.Parents()["D"])
}

func TestCompile_DependencySoundness(t *testing.T) {
	t.Parallel()

	// In1 -> A -> B -> Out1, In2 -> C -> B, In2 -> E (independent branch)
	g := buildGraph(t,
		[]models.Node{
			{ID: "In1", Kind: models.NodeKindInput, Value: "x"},
			{ID: "In2", Kind: models.NodeKindInput, Value: "y"},
			appNode("A"), appNode("B"), appNode("C"), appNode("E"),
			{ID: "Out1", Kind: models.NodeKindOutput},
		},
		[2]string{"In1:v", "A:in"},
		[2]string{"A:out", "B:first"},
		[2]string{"In2:v", "C:in"},
		[2]string{"C:out", "B:second"},
		[2]string{"In2:v", "E:in"},
		[2]string{"B:out", "Out1:v"},
	)

	tg, err := newCompiler().Compile(context.Background(), g, "soundness", g.StartNodes())
	require.NoError(t, err)

	expected := map[string][]string{
		"A": {},
		"B": {"A", "C"},
		"C": {},
		"E": {},
	}

	for taskID, ancestors := range expected {
		assert.Equal(t, ancestors, keys(tg.Ancestors(taskID)), "ancestors of %s", taskID)
	}
}

func TestCompile_CycleEmitsNothing(t *testing.T) {
	t.Parallel()

	src := mapSource{
		nodes: map[string]models.Node{
			"In": {ID: "In", Kind: models.NodeKindInput, Value: "x"},
			"A":  appNode("A"),
			"B":  appNode("B"),
			"C":  appNode("C"),
		},
		edges: map[string][]string{
			"In": {"A"},
			"A":  {"B"},
			"B":  {"C"},
			"C":  {"A"},
		},
	}

	tg, err := newCompiler().Compile(context.Background(), src, "cyclic", []string{"In"})
	require.Error(t, err)
	assert.Nil(t, tg)
	assert.True(t, graph.IsCycle(err))
}

func TestCompile_UnresolvedNode(t *testing.T) {
	t.Parallel()

	src := mapSource{
		nodes: map[string]models.Node{"A": appNode("A")},
		edges: map[string][]string{"A": {"Missing"}},
	}

	tg, err := newCompiler().Compile(context.Background(), src, "dangling", []string{"A"})
	require.Error(t, err)
	assert.Nil(t, tg)
	assert.True(t, compiler.IsUnresolvedNode(err))

	var compileErr *compiler.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "Missing", compileErr.NodeID)
	assert.Equal(t, "UNRESOLVED_NODE", compileErr.Kind)
}

func TestCompile_NodeOverridesAndCommand(t *testing.T) {
	t.Parallel()

	node := appNode("A")
	node.Parameters = map[string]string{"mode": "fast"}
	node.Retry = &models.RetryPolicy{MaxAttempts: 1, Timeout: time.Minute, Concurrency: 2}

	src := mapSource{nodes: map[string]models.Node{"A": node}}

	c := newCompiler(compiler.WithCommandFunc(func(_ context.Context, n models.Node) (string, error) {
		return "/opt/bin/" + n.ApplicationID, nil
	}))

	tg, err := c.Compile(context.Background(), src, "override", []string{"A"})
	require.NoError(t, err)

	spec := tg.Tasks["A"]
	assert.Equal(t, "/opt/bin/app-A", spec.Command)
	assert.Equal(t, 1, spec.MaxAttemptsPerTask)
	assert.Equal(t, time.Minute, spec.TimeoutPerTask)
	assert.Equal(t, 2, spec.NumConcurrentTasksPerInstance)
	assert.Equal(t, "fast", spec.Parameters["input.mode"])
}

func TestCompile_CommandFailure(t *testing.T) {
	t.Parallel()

	src := mapSource{nodes: map[string]models.Node{"A": appNode("A")}}
	boom := errors.New("catalog unavailable")

	c := newCompiler(compiler.WithCommandFunc(func(context.Context, models.Node) (string, error) {
		return "", boom
	}))

	_, err := c.Compile(context.Background(), src, "failing", []string{"A"})
	require.ErrorIs(t, err, boom)
}
