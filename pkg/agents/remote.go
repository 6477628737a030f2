package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

const (
	DefaultRemoteTimeout = 60 * time.Second
	maxErrorBody         = 4 << 10
)

// RemoteAgent posts the task context as JSON to an HTTP endpoint and reads a
// TaskExecutionResult back.
//
// A 4xx response fails the task. Transport errors and 5xx responses are
// returned as errors, so the runner records them as infrastructure failures.
type RemoteAgent struct {
	name     string
	endpoint string
	client   *http.Client
	header   http.Header
	metadata map[string]any
}

// RemoteOption configures a RemoteAgent
type RemoteOption func(*RemoteAgent)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(ra *RemoteAgent) {
		if c != nil {
			ra.client = c
		}
	}
}

// WithTimeout bounds each request
func WithTimeout(d time.Duration) RemoteOption {
	return func(ra *RemoteAgent) {
		if d > 0 {
			ra.client = &http.Client{Timeout: d, Transport: ra.client.Transport}
		}
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) RemoteOption {
	return func(ra *RemoteAgent) {
		ra.header.Add(key, value)
	}
}

func NewRemoteAgent(name, endpoint string, meta map[string]any, opts ...RemoteOption) *RemoteAgent {
	ra := &RemoteAgent{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultRemoteTimeout},
		header:   make(http.Header),
		metadata: meta,
	}
	for _, opt := range opts {
		opt(ra)
	}
	return ra
}

func (ra *RemoteAgent) Name() string {
	return ra.name
}

func (ra *RemoteAgent) Execute(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
	body, err := json.Marshal(tc)
	if err != nil {
		return types.TaskExecutionResult{}, fmt.Errorf("encode task context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ra.endpoint, bytes.NewReader(body))
	if err != nil {
		return types.TaskExecutionResult{}, fmt.Errorf("build request for agent %s: %w", ra.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range ra.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := ra.client.Do(req)
	if err != nil {
		return types.TaskExecutionResult{}, fmt.Errorf("call agent %s: %w", ra.name, err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start).Milliseconds()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return types.TaskExecutionResult{}, fmt.Errorf("agent %s returned %s: %s", ra.name, resp.Status, readSnippet(resp.Body))
	case resp.StatusCode >= http.StatusBadRequest:
		return types.TaskExecutionResult{
			NodeID:     tc.NodeID,
			Status:     types.ExecutionFailed,
			Error:      fmt.Sprintf("agent %s rejected task: %s: %s", ra.name, resp.Status, readSnippet(resp.Body)),
			DurationMs: elapsed,
		}, nil
	}

	var res types.TaskExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return types.TaskExecutionResult{}, fmt.Errorf("decode response of agent %s: %w", ra.name, err)
	}
	if res.NodeID == "" {
		res.NodeID = tc.NodeID
	}
	if res.Status == 0 {
		res.Status = types.ExecutionCompleted
		if res.Error != "" {
			res.Status = types.ExecutionFailed
		}
	}
	if res.DurationMs <= 0 {
		res.DurationMs = elapsed
	}
	return res, nil
}

func (ra *RemoteAgent) Metadata() map[string]any {
	return ra.metadata
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
