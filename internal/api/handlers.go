package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/runner"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

const requestIDHeader = "X-Request-ID"

// Handlers serves the campaign API on top of an engine.
type Handlers struct {
	engine    *engine.Engine
	logger    *slog.Logger
	heartbeat time.Duration
}

func NewHandlers(eng *engine.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{engine: eng, logger: logger, heartbeat: 15 * time.Second}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader(requestIDHeader); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Header(requestIDHeader, id)
	return id
}

func (h *Handlers) log(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
		slog.String("campaign_id", c.Param("campaignId")))
}

// statusFor maps engine errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrCampaignNotFound):
		return http.StatusNotFound, "CAMPAIGN_NOT_FOUND"
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, store.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND"
	case errors.Is(err, store.ErrCampaignExists):
		return http.StatusConflict, "CAMPAIGN_EXISTS"
	case errors.Is(err, runner.ErrAlreadyRunning):
		return http.StatusConflict, "RUN_IN_PROGRESS"
	case errors.Is(err, runner.ErrRunConcluded):
		return http.StatusConflict, "RUN_CONCLUDED"
	case errors.Is(err, runner.ErrRunCancelled):
		return http.StatusConflict, "RUN_CANCELLED"
	case errors.Is(err, runner.ErrNotStarted):
		return http.StatusConflict, "RUN_NOT_STARTED"
	case errors.Is(err, graph.ErrSkipRunning),
		errors.Is(err, graph.ErrNotSkippable),
		errors.Is(err, graph.ErrNotFailed),
		errors.Is(err, graph.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, engine.ErrInvalidGraph), errors.Is(err, runner.ErrInvalidGraph):
		return http.StatusUnprocessableEntity, "INVALID_GRAPH"
	case errors.Is(err, engine.ErrMissingCampaignID):
		return http.StatusBadRequest, "MISSING_CAMPAIGN_ID"
	case errors.Is(err, engine.ErrClosed), errors.Is(err, runner.ErrClosed), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("error", err.Error()), slog.String("code", code))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// bindOptional decodes an optional JSON body; an empty body keeps defaults.
func bindOptional(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("Invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_REQUEST"})
}

// HandleValidate validates a graph definition without storing it.
//
// POST /v1/validate
func (h *Handlers) HandleValidate(c *gin.Context) {
	logger := h.log(c, "HandleValidate")
	var def types.TaskGraphDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Validate(def))
}

// HandleListCampaigns lists stored campaigns.
//
// GET /v1/campaigns
func (h *Handlers) HandleListCampaigns(c *gin.Context) {
	logger := h.log(c, "HandleListCampaigns")
	ids, err := h.engine.Campaigns(c.Request.Context())
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, CampaignsResponse{Campaigns: ids})
}

// HandleCreateGraph stores a campaign's graph.
//
// Response:
//
//	201 Created: CreateGraphResult
//	400 Bad Request: malformed body
//	409 Conflict: campaign already has a graph
//	422 Unprocessable Entity: graph is not a DAG (Validation holds the details)
func (h *Handlers) HandleCreateGraph(c *gin.Context) {
	logger := h.log(c, "HandleCreateGraph")
	var body CreateGraphBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, logger, err)
		return
	}
	validate := true
	if body.Validate != nil {
		validate = *body.Validate
	}

	res, err := h.engine.CreateGraph(c.Request.Context(), types.CreateGraphRequest{
		CampaignID: c.Param("campaignId"),
		Graph:      body.Graph,
		Validate:   validate,
	})
	if err != nil {
		status, code := statusFor(err)
		if status == http.StatusUnprocessableEntity {
			logger.Warn("graph rejected", slog.Any("errors", res.Validation.Errors))
			c.JSON(status, gin.H{"error": err.Error(), "code": code, "validation": res.Validation})
			return
		}
		h.fail(c, logger, err)
		return
	}
	logger.Info("graph created", slog.Int("nodes", res.NodesCreated))
	c.JSON(http.StatusCreated, res)
}

// HandleGetGraph returns the campaign's nodes and run state.
//
// GET /v1/campaigns/:campaignId/graph
func (h *Handlers) HandleGetGraph(c *gin.Context) {
	logger := h.log(c, "HandleGetGraph")
	snap, err := h.engine.Snapshot(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, GraphResponse{
		CampaignID:  snap.CampaignID,
		RunID:       snap.RunID,
		State:       snap.State,
		Parallelism: snap.Parallelism,
		InFlight:    snap.InFlight,
		Nodes:       snap.Nodes,
		Summary:     snap.Summary,
		UpdatedAt:   snap.UpdatedAt,

		PersistError: snap.PersistError,
	})
}

// HandleGetNode returns one node.
//
// GET /v1/campaigns/:campaignId/nodes/:nodeId
func (h *Handlers) HandleGetNode(c *gin.Context) {
	logger := h.log(c, "HandleGetNode")
	node, err := h.engine.Node(c.Request.Context(), c.Param("campaignId"), c.Param("nodeId"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleSummary returns the derived execution summary.
//
// GET /v1/campaigns/:campaignId/summary
func (h *Handlers) HandleSummary(c *gin.Context) {
	logger := h.log(c, "HandleSummary")
	summary, err := h.engine.Summary(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleReady returns the tasks eligible for dispatch right now.
//
// GET /v1/campaigns/:campaignId/ready
func (h *Handlers) HandleReady(c *gin.Context) {
	logger := h.log(c, "HandleReady")
	tasks, err := h.engine.Ready(c.Request.Context(), c.Param("campaignId"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if tasks == nil {
		tasks = []types.ExecutableTask{}
	}
	c.JSON(http.StatusOK, ReadyResponse{CampaignID: c.Param("campaignId"), Tasks: tasks})
}

// HandleStart begins a run or returns its dry-run plan.
//
// Response:
//
//	202 Accepted: StartExecutionResult of a started run
//	200 OK: StartExecutionResult of a dry run
//	409 Conflict: run in progress or concluded
//	422 Unprocessable Entity: stored graph is not a DAG
func (h *Handlers) HandleStart(c *gin.Context) {
	logger := h.log(c, "HandleStart")
	var body StartBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, logger, err)
		return
	}
	res, err := h.engine.StartExecution(c.Request.Context(), types.StartExecutionRequest{
		CampaignID:  c.Param("campaignId"),
		Parallelism: body.Parallelism,
		DryRun:      body.DryRun,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if body.DryRun {
		c.JSON(http.StatusOK, res)
		return
	}
	logger.Info("run started", slog.String("run_id", res.RunID), slog.Int("ready", len(res.ExecutableTasks)))
	c.JSON(http.StatusAccepted, res)
}

// HandleRetry re-arms a FAILED node.
//
// POST /v1/campaigns/:campaignId/nodes/:nodeId/retry
func (h *Handlers) HandleRetry(c *gin.Context) {
	logger := h.log(c, "HandleRetry")
	var body RetryBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, logger, err)
		return
	}
	res, err := h.engine.RetryTask(c.Request.Context(), types.RetryTaskRequest{
		CampaignID:      c.Param("campaignId"),
		NodeID:          c.Param("nodeId"),
		ResetRetryCount: body.ResetRetryCount,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleSkip marks a PENDING or BLOCKED node SKIPPED.
//
// POST /v1/campaigns/:campaignId/nodes/:nodeId/skip
func (h *Handlers) HandleSkip(c *gin.Context) {
	logger := h.log(c, "HandleSkip")
	var body ReasonBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, logger, err)
		return
	}
	res, err := h.engine.SkipTask(c.Request.Context(), types.SkipTaskRequest{
		CampaignID: c.Param("campaignId"),
		NodeID:     c.Param("nodeId"),
		Reason:     body.Reason,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleCancel stops scheduling for the campaign.
//
// POST /v1/campaigns/:campaignId/cancel
func (h *Handlers) HandleCancel(c *gin.Context) {
	logger := h.log(c, "HandleCancel")
	var body ReasonBody
	if err := bindOptional(c, &body); err != nil {
		badRequest(c, logger, err)
		return
	}
	res, err := h.engine.CancelExecution(c.Request.Context(), types.CancelExecutionRequest{
		CampaignID: c.Param("campaignId"),
		Reason:     body.Reason,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("run cancelled", slog.Int("skipped", len(res.SkippedNodes)), slog.Int("in_flight", len(res.InFlight)))
	c.JSON(http.StatusOK, res)
}

// HandleExecutions lists attempt records, optionally for one node.
//
// GET /v1/campaigns/:campaignId/executions?node=<id>
func (h *Handlers) HandleExecutions(c *gin.Context) {
	logger := h.log(c, "HandleExecutions")
	execs, err := h.engine.Executions(c.Request.Context(), c.Param("campaignId"), c.Query("node"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if execs == nil {
		execs = []types.TaskExecution{}
	}
	c.JSON(http.StatusOK, ExecutionsResponse{CampaignID: c.Param("campaignId"), Executions: execs})
}

// HandleWait blocks until the current run concludes or the request times out.
//
// GET /v1/campaigns/:campaignId/wait?timeout=30s
func (h *Handlers) HandleWait(c *gin.Context) {
	logger := h.log(c, "HandleWait")
	ctx := c.Request.Context()
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid timeout: " + raw, Code: "INVALID_REQUEST"})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	summary, err := h.engine.Wait(ctx, c.Param("campaignId"))
	if err != nil {
		if ctx.Err() != nil {
			c.JSON(http.StatusRequestTimeout, ErrorResponse{Error: "run still in progress", Code: "WAIT_TIMEOUT"})
			return
		}
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleEvents streams the campaign's graph events as Server-Sent Events.
//
// GET /v1/campaigns/:campaignId/events
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.log(c, "HandleEvents")
	campaignID := c.Param("campaignId")
	if _, err := h.engine.Summary(c.Request.Context(), campaignID); err != nil {
		h.fail(c, logger, err)
		return
	}

	events, unsubscribe := h.engine.Subscribe(campaignID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	logger.Debug("event stream opened")
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	logger.Debug("event stream closed")
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}
