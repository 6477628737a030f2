package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/agents"
	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/avi3tal/campaigngraph/pkg/workflow"
)

var approved atomic.Bool

// gate fails until an operator approves the send, then lets the retry through.
func gate(_ context.Context, tc types.TaskExecutionContext) (map[string]any, error) {
	if !approved.Load() {
		return nil, fmt.Errorf("sending to %v requires approval", tc.Config["list"])
	}
	return map[string]any{"approved_on_attempt": tc.Attempt}, nil
}

func noop(_ context.Context, tc types.TaskExecutionContext) (map[string]any, error) {
	return map[string]any{"done": tc.NodeID}, nil
}

func main() {
	wf := workflow.NewBuilder("newsletter")
	wf.Add(workflow.Task("draft", "noop")).
		Then(workflow.Task("send", "approval").WithConfig("list", "subscribers").WithMaxRetries(0)).
		Then(workflow.Task("report", "noop"))
	def, err := wf.Build()
	if err != nil {
		log.Fatal(err)
	}

	registry, err := agents.NewRegistry(
		agents.NewSimpleAgent("approval", gate, nil),
		agents.NewSimpleAgent("noop", noop, nil),
	)
	if err != nil {
		log.Fatal(err)
	}
	eng, err := engine.New(store.NewMemoryStore(), registry)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	const campaign = "october-newsletter"

	if _, err := eng.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: campaign, Graph: def, Validate: true}); err != nil {
		log.Fatal(err)
	}
	if _, err := eng.StartExecution(ctx, types.StartExecutionRequest{CampaignID: campaign}); err != nil {
		log.Fatal(err)
	}
	summary, err := eng.Wait(ctx, campaign)
	if err != nil {
		log.Fatal(err)
	}
	send, _ := eng.Node(ctx, campaign, "send")
	report, _ := eng.Node(ctx, campaign, "report")
	fmt.Printf("first run: failed=%d blocked=%d\n", summary.Failed, summary.Blocked)
	fmt.Printf("\tsend: %s (%s)\n\treport: %s\n", send.Status, send.ErrorMessage, report.Status)

	// Operator approves and re-arms the gate; the blocked report is released.
	approved.Store(true)
	res, err := eng.RetryTask(ctx, types.RetryTaskRequest{CampaignID: campaign, NodeID: "send"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("retry released %v\n", res.Propagation.DownstreamNodes)

	summary, err = eng.Wait(ctx, campaign)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("second run: completed=%d/%d complete=%t\n", summary.Completed, summary.Total, summary.IsComplete)
}
