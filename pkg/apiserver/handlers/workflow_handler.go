package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/apiserver/middleware"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/workflow"
)

type WorkflowHandler struct {
	engine     *workflow.Engine
	dispatcher *workflow.Dispatcher
	bus        *eventbus.Bus
	logger     *zap.Logger
}

func NewWorkflowHandler(engine *workflow.Engine, dispatcher *workflow.Dispatcher, bus *eventbus.Bus, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, dispatcher: dispatcher, bus: bus, logger: logger}
}

type workflowStartRequest struct {
	Variant           string       `json:"variant"`
	ImageURL          string       `json:"image_url"`
	CharacterImageURL string       `json:"character_image_url"`
	VideoURL          string       `json:"video_url"`
	Params            model.Params `json:"params"`
	Count             int          `json:"count"`
}

type stepRequest struct {
	Step string `json:"step" binding:"required"`
}

type confirmRequest struct {
	Plan *model.Plan `json:"plan"`
}

type segmentResponse struct {
	Index        int    `json:"index"`
	Status       string `json:"status"`
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type workflowResponse struct {
	ID                 string       `json:"id"`
	Variant            string       `json:"variant"`
	BatchID            string       `json:"batch_id,omitempty"`
	Status             string       `json:"status"`
	CurrentStep        string       `json:"current_step"`
	ProgressPercentage int          `json:"progress_percentage"`
	ImageURL           string       `json:"image_url,omitempty"`
	CharacterImageURL  string       `json:"character_image_url,omitempty"`
	SourceVideoURL     string       `json:"source_video_url,omitempty"`
	Params             model.Params `json:"params"`
	ProductDescription string       `json:"product_description,omitempty"`
	Plan               *model.Plan  `json:"plan,omitempty"`
	PlanConfirmedAt    *string      `json:"plan_confirmed_at,omitempty"`
	CoverImageURL      string       `json:"cover_image_url,omitempty"`
	VideoURL           string       `json:"video_url,omitempty"`
	MergedVideoURL     string       `json:"merged_video_url,omitempty"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	CreditsCost        int          `json:"credits_cost"`
	RegenerationCount  int          `json:"regeneration_count"`
	Version            int          `json:"version"`
	CreatedAt          string       `json:"created_at"`
	UpdatedAt          string       `json:"updated_at"`
	CompletedAt        *string      `json:"completed_at,omitempty"`

	Segments []segmentResponse `json:"segments,omitempty"`
}

// Start creates the workflow(s) and advances them in the background; the
// response does not wait for any vendor.
func (h *WorkflowHandler) Start(c *gin.Context) {
	var req workflowStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	records, err := h.engine.Start(c.Request.Context(), workflow.StartRequest{
		UserID:            middleware.UserID(c),
		Variant:           model.Variant(strings.TrimSpace(req.Variant)),
		ImageURL:          req.ImageURL,
		CharacterImageURL: req.CharacterImageURL,
		VideoURL:          req.VideoURL,
		Params:            req.Params,
		Count:             req.Count,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	response := make([]workflowResponse, 0, len(records))
	for _, rec := range records {
		h.dispatcher.Advance(c.Request.Context(), rec.ID)
		response = append(response, mapWorkflow(rec, nil))
	}

	body := gin.H{
		"success":     true,
		"workflow_id": records[0].ID.String(),
		"workflows":   response,
	}
	if records[0].BatchID != nil {
		body["batch_id"] = records[0].BatchID.String()
	}
	c.JSON(http.StatusAccepted, body)
}

// Process runs one named step synchronously.
func (h *WorkflowHandler) Process(c *gin.Context) {
	id, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	rec, err := h.engine.Process(c.Request.Context(), id, middleware.UserID(c), model.Step(req.Step))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflow": mapWorkflow(rec, nil)})
}

func (h *WorkflowHandler) Confirm(c *gin.Context) {
	id, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	rec, err := h.engine.Confirm(c.Request.Context(), id, middleware.UserID(c), req.Plan)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.dispatcher.Advance(c.Request.Context(), rec.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "workflow": mapWorkflow(rec, nil)})
}

func (h *WorkflowHandler) Regenerate(c *gin.Context) {
	id, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	rec, err := h.engine.Regenerate(c.Request.Context(), id, middleware.UserID(c), model.Step(req.Step))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !rec.IsTerminal() {
		h.dispatcher.Advance(c.Request.Context(), rec.ID)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflow": mapWorkflow(rec, nil)})
}

func (h *WorkflowHandler) Status(c *gin.Context) {
	id, ok := parseWorkflowID(c)
	if !ok {
		return
	}

	rec, err := h.engine.Get(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var segments []model.Segment
	if rec.Variant == model.VariantCharacter {
		segments, err = h.engine.Segments(c.Request.Context(), rec.ID)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "workflow": mapWorkflow(rec, segments)})
}

func (h *WorkflowHandler) List(c *gin.Context) {
	filter := workflow.ListFilter{
		Limit:  parseLimit(c.Query("limit"), 20),
		Offset: parseOffset(c.Query("offset")),
	}
	if value := strings.TrimSpace(c.Query("variant")); value != "" {
		variant := model.Variant(value)
		filter.Variant = &variant
	}

	var (
		records []model.WorkflowRecord
		total   int64
		err     error
	)
	if value := strings.TrimSpace(c.Query("batch_id")); value != "" {
		batchID, parseErr := uuid.Parse(value)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch_id"})
			return
		}
		records, err = h.engine.Batch(c.Request.Context(), batchID, middleware.UserID(c))
		total = int64(len(records))
	} else {
		records, total, err = h.engine.List(c.Request.Context(), middleware.UserID(c), filter)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	response := make([]workflowResponse, 0, len(records))
	for i := range records {
		response = append(response, mapWorkflow(&records[i], nil))
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"workflows": response,
		"total":     total,
	})
}

// Events streams status changes as server-sent events, starting with the
// current state and ending once the workflow is terminal.
func (h *WorkflowHandler) Events(c *gin.Context) {
	id, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.engine.Get(ctx, id, middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent(eventbus.EventWorkflowStatus, eventbus.StatusOf(rec))
	c.Writer.Flush()
	if rec.IsTerminal() || !h.bus.Enabled() {
		return
	}

	events := h.bus.Subscribe(ctx, eventbus.WorkflowChannel(id))
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event.Data)
			c.Writer.Flush()
			if terminalEvent(event) {
				return
			}
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().Unix())
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func terminalEvent(event *eventbus.Event) bool {
	if event.Type != eventbus.EventWorkflowStatus {
		return false
	}
	var status eventbus.WorkflowStatus
	if err := json.Unmarshal(event.Data, &status); err != nil {
		return false
	}
	return status.Status == string(model.StatusCompleted) || status.Status == string(model.StatusFailed)
}

func mapWorkflow(rec *model.WorkflowRecord, segments []model.Segment) workflowResponse {
	resp := workflowResponse{
		ID:                 rec.ID.String(),
		Variant:            string(rec.Variant),
		Status:             string(rec.Status),
		CurrentStep:        string(rec.CurrentStep),
		ProgressPercentage: rec.ProgressPercentage,
		ImageURL:           rec.ImageURL,
		CharacterImageURL:  rec.CharacterImageURL,
		SourceVideoURL:     rec.SourceVideoURL,
		Params:             rec.Params,
		ProductDescription: rec.ProductDescription,
		PlanConfirmedAt:    formatTime(rec.PlanConfirmedAt),
		CoverImageURL:      rec.CoverImageURL,
		VideoURL:           rec.VideoURL,
		MergedVideoURL:     rec.MergedVideoURL,
		ErrorMessage:       rec.ErrorMessage,
		CreditsCost:        rec.CreditsCost,
		RegenerationCount:  rec.RegenerationCount,
		Version:            rec.Version,
		CreatedAt:          rec.CreatedAt.UTC().Format(timeRFC3339Nano),
		UpdatedAt:          rec.UpdatedAt.UTC().Format(timeRFC3339Nano),
		CompletedAt:        formatTime(rec.CompletedAt),
	}
	if rec.BatchID != nil {
		resp.BatchID = rec.BatchID.String()
	}
	if !rec.Plan.IsZero() {
		plan := rec.Plan
		resp.Plan = &plan
	}
	for _, s := range segments {
		resp.Segments = append(resp.Segments, segmentResponse{
			Index:        s.SegmentIndex,
			Status:       string(s.Status),
			VideoURL:     s.VideoURL,
			ErrorMessage: s.ErrorMessage,
		})
	}
	return resp
}
