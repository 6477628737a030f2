package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const launchBody = `{"graph":{"nodes":[
	{"node_id":"research","task_type":"research","max_retries":0},
	{"node_id":"draft","task_type":"write","depends_on":["research"],"max_retries":0},
	{"node_id":"pitch","task_type":"outreach","depends_on":["draft"],"max_retries":0}
]}}`

func setupTestRouter(t *testing.T, exec types.ExecutorFunc) *gin.Engine {
	t.Helper()
	if exec == nil {
		exec = func(_ context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
			return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionCompleted}, nil
		}
	}
	eng, err := engine.New(store.NewMemoryStore(), exec)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return NewRouter(NewHandlers(eng, nil), nil)
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, nil)

	w := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)

	w = do(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleValidate(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, nil)

	w := do(t, router, http.MethodPost, "/v1/validate", `{"nodes":[
		{"node_id":"a","task_type":"x","depends_on":["b"]},
		{"node_id":"b","task_type":"x","depends_on":["a"]}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[types.DAGValidationResult](t, w)
	assert.False(t, res.IsValid)
	assert.True(t, res.HasCycles)

	w = do(t, router, http.MethodPost, "/v1/validate", `{"nodes":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
}

func TestHandleCreateGraph(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, nil)

	w := do(t, router, http.MethodPost, "/v1/campaigns/spring/graph", launchBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[types.CreateGraphResult](t, w)
	assert.Equal(t, 3, created.NodesCreated)
	assert.True(t, created.Validation.IsValid)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/graph", launchBody)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CAMPAIGN_EXISTS", decode[ErrorResponse](t, w).Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/broken/graph", `{"graph":{"nodes":[
		{"node_id":"a","task_type":"x","depends_on":["ghost"]}
	]}}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var rejected struct {
		Code       string                    `json:"code"`
		Validation types.DAGValidationResult `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rejected))
	assert.Equal(t, "INVALID_GRAPH", rejected.Code)
	require.Len(t, rejected.Validation.MissingDependencies, 1)

	w = do(t, router, http.MethodPost, "/v1/campaigns/empty/graph", `{"validate":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/v1/campaigns", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"spring"}, decode[CampaignsResponse](t, w).Campaigns)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, nil)

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/v1/campaigns/spring/graph", launchBody).Code)

	w := do(t, router, http.MethodGet, "/v1/campaigns/spring/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	ready := decode[ReadyResponse](t, w)
	require.Len(t, ready.Tasks, 1)
	assert.Equal(t, "research", ready.Tasks[0].NodeID)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/start", `{"dry_run":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	plan := decode[types.StartExecutionResult](t, w)
	assert.False(t, plan.Started)
	assert.Equal(t, [][]string{{"research"}, {"draft"}, {"pitch"}}, plan.Plan)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/start", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, decode[types.StartExecutionResult](t, w).Started)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/wait?timeout=5s", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[types.ExecutionSummary](t, w)
	assert.True(t, summary.IsComplete)
	assert.Equal(t, 3, summary.Completed)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/graph", "")
	require.Equal(t, http.StatusOK, w.Code)
	graphResp := decode[GraphResponse](t, w)
	assert.Equal(t, types.RunCompleted, graphResp.State)
	assert.Len(t, graphResp.Nodes, 3)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/executions?node=draft", "")
	require.Equal(t, http.StatusOK, w.Code)
	execs := decode[ExecutionsResponse](t, w).Executions
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionCompleted, execs[0].Status)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/nodes/pitch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusCompleted, decode[types.GraphNode](t, w).Status)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RUN_CONCLUDED", decode[ErrorResponse](t, w).Code)
}

func TestOperatorEndpoints(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, func(_ context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
		if tc.NodeID == "draft" && tc.Attempt == 1 {
			return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionFailed, Error: "writer unavailable"}, nil
		}
		return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionCompleted}, nil
	})

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/v1/campaigns/spring/graph", launchBody).Code)
	require.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/v1/campaigns/spring/start", "").Code)

	w := do(t, router, http.MethodGet, "/v1/campaigns/spring/wait?timeout=5s", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[types.ExecutionSummary](t, w).Failed)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/nodes/pitch/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode[ErrorResponse](t, w).Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/nodes/ghost/skip", `{"reason":"n/a"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/nodes/draft/retry", `{"reset_retry_count":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[types.RetryTaskResult](t, w).Success)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/wait?timeout=5s", "")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[types.ExecutionSummary](t, w)
	assert.True(t, summary.IsComplete)
	assert.False(t, summary.HasFailures)
}

func TestHandleCancel(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	router := setupTestRouter(t, func(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionCompleted}, nil
	})

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/v1/campaigns/spring/graph", launchBody).Code)
	require.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/v1/campaigns/spring/start", "").Code)

	w := do(t, router, http.MethodGet, "/v1/campaigns/spring/wait?timeout=20ms", "")
	assert.Equal(t, http.StatusRequestTimeout, w.Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/cancel", `{"reason":"budget frozen"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[types.CancelExecutionResult](t, w)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"draft", "pitch"}, res.SkippedNodes)
	assert.Equal(t, []string{"research"}, res.InFlight)

	w = do(t, router, http.MethodPost, "/v1/campaigns/spring/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodGet, "/v1/campaigns/spring/nodes/draft", "")
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[types.GraphNode](t, w)
	assert.Equal(t, types.StatusSkipped, node.Status)
	assert.Equal(t, "budget frozen", node.SkipReason)
}

func TestUnknownCampaign(t *testing.T) {
	t.Parallel()
	router := setupTestRouter(t, nil)

	for _, path := range []string{
		"/v1/campaigns/ghost/graph",
		"/v1/campaigns/ghost/summary",
		"/v1/campaigns/ghost/ready",
		"/v1/campaigns/ghost/events",
	} {
		w := do(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "CAMPAIGN_NOT_FOUND", decode[ErrorResponse](t, w).Code, path)
	}

	w := do(t, router, http.MethodGet, "/v1/campaigns/spring/wait?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEvents(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(setupTestRouter(t, nil))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/v1/campaigns/spring/graph", "application/json", strings.NewReader(launchBody))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/campaigns/spring/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	resp, err = http.Post(srv.URL+"/v1/campaigns/spring/start", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var seen []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			seen = append(seen, strings.TrimSpace(name))
			if strings.TrimSpace(name) == string(types.EventGraphCompleted) {
				break
			}
		}
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, string(types.EventTaskStarted), seen[0])
	assert.Equal(t, string(types.EventGraphCompleted), seen[len(seen)-1])
	assert.Contains(t, seen, string(types.EventTaskCompleted))
}
