package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/agents"
	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/avi3tal/campaigngraph/pkg/workflow"
)

// writer pretends to draft copy from whatever its dependencies produced.
func writer(_ context.Context, tc types.TaskExecutionContext) (map[string]any, error) {
	time.Sleep(50 * time.Millisecond)
	var sources []string
	for id := range tc.DependencyOutputs {
		sources = append(sources, id)
	}
	return map[string]any{"copy": fmt.Sprintf("%s draft based on [%s]", tc.NodeID, strings.Join(sources, ", "))}, nil
}

func researcher(_ context.Context, tc types.TaskExecutionContext) (map[string]any, error) {
	time.Sleep(20 * time.Millisecond)
	return map[string]any{"angle": tc.Config["topic"]}, nil
}

func main() {
	wf := workflow.NewBuilder("product-launch")
	wf.Add(workflow.Task("brief", "research").WithConfig("topic", "solar backpacks")).
		ThenAll(
			workflow.Task("blog", "write").WithPriority(10),
			workflow.Task("social", "write"),
			workflow.Task("press", "write").WithPriority(5),
		).
		Join(workflow.Task("review", "write"))

	def, err := wf.Build()
	if err != nil {
		log.Fatal(err)
	}

	g := graph.FromDefinition("preview", def)
	_ = g.Describe(os.Stdout)
	waves, _ := g.Plan(2)
	_ = graph.DescribePlan(os.Stdout, waves)

	registry, err := agents.NewRegistry(
		agents.NewSimpleAgent("research", researcher, nil),
		agents.NewSimpleAgent("write", writer, nil),
	)
	if err != nil {
		log.Fatal(err)
	}
	eng, err := engine.New(store.NewMemoryStore(), registry)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	app, err := workflow.NewApp(wf, eng, workflow.WithParallelism(2))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := app.Invoke(ctx, "spring-launch")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("\ncompleted %d/%d tasks (%.0f%%)\n", summary.Completed, summary.Total, summary.Progress)

	review, err := eng.Node(ctx, "spring-launch", "review")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(review.Output["copy"])
}
