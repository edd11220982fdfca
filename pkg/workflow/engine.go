// Package workflow drives ad generation jobs through their variant's step
// table: synchronous text steps, vendor tasks, the review gate, segment
// fan-out and the final merge.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/llm"
	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
	"github.com/adflow/adflow/pkg/taskclient"
)

// Admitter gates new work on vendor capacity. A non-nil error rejects.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Notifier is told about every committed transition.
type Notifier interface {
	Notify(ctx context.Context, rec *model.WorkflowRecord)
}

// CallbackURLs builds the webhook a vendor calls when a task finishes.
type CallbackURLs interface {
	CallbackURL(workflowID uuid.UUID, step model.Step, kind taskclient.Kind) string
}

type Deps struct {
	Records   *postgres.WorkflowRepository
	Segments  *postgres.SegmentRepository
	Ledger    *credits.Ledger
	Tasks     taskclient.Client
	LLM       llm.Completer
	Registry  *Registry
	Admission Admitter
	Notifier  Notifier
	Callbacks CallbackURLs
	Logger    *zap.Logger
}

type Options struct {
	InitialGrant int
	// ClaimTTL is how long a claimed vendor step without a task id counts
	// as in flight.
	ClaimTTL time.Duration
	// SyncStaleAfter is the same window for synchronous steps.
	SyncStaleAfter time.Duration
	// FanOutConcurrency bounds parallel segment submissions.
	FanOutConcurrency int
}

type Engine struct {
	records   *postgres.WorkflowRepository
	segments  *postgres.SegmentRepository
	ledger    *credits.Ledger
	tasks     taskclient.Client
	llm       llm.Completer
	registry  *Registry
	admission Admitter
	notifier  Notifier
	callbacks CallbackURLs
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Second
	}
	if opts.SyncStaleAfter <= 0 {
		opts.SyncStaleAfter = 10 * time.Minute
	}
	if opts.FanOutConcurrency <= 0 {
		opts.FanOutConcurrency = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		records:   deps.Records,
		segments:  deps.Segments,
		ledger:    deps.Ledger,
		tasks:     deps.Tasks,
		llm:       deps.LLM,
		registry:  deps.Registry,
		admission: deps.Admission,
		notifier:  deps.Notifier,
		callbacks: deps.Callbacks,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type StartRequest struct {
	UserID            string
	Variant           model.Variant
	ImageURL          string
	CharacterImageURL string
	VideoURL          string
	Params            model.Params
	// Count is the number of variants of a multi-variant job.
	Count int
}

// Start validates the request, checks the user can pay for the whole job
// and creates its record(s) in pending. Callers advance them afterwards.
func (e *Engine) Start(ctx context.Context, req StartRequest) ([]*model.WorkflowRecord, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, invalidf("user id is required")
	}
	v, ok := e.registry.Get(req.Variant)
	if !ok {
		return nil, invalidf("unknown variant %q", req.Variant)
	}

	switch req.Variant {
	case model.VariantMultiVariant:
		if req.Count == 0 {
			req.Count = 2
		}
	default:
		req.Count = 1
	}
	switch req.Variant {
	case model.VariantStandard, model.VariantMultiVariant, model.VariantCharacter:
		if req.Params.VideoModel == "" {
			req.Params.VideoModel = e.registry.pricing.DefaultVideoModel
		}
	}
	if req.Variant == model.VariantCharacter && req.Params.SegmentCount == 0 {
		req.Params.SegmentCount = defaultSegmentCount
	}
	if err := v.Validate(req); err != nil {
		return nil, err
	}

	if e.admission != nil {
		if err := e.admission.Admit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
		}
	}

	if _, _, err := e.ledger.EnsureAccount(ctx, req.UserID, e.opts.InitialGrant); err != nil {
		return nil, err
	}
	required := v.RequiredCredits(req.Params) * req.Count
	check, err := e.ledger.Check(ctx, req.UserID, required)
	if err != nil {
		return nil, err
	}
	if !check.Sufficient {
		return nil, fmt.Errorf("%w: need %d, have %d", credits.ErrInsufficientCredits, required, check.Current)
	}

	now := e.now()
	var batchID *uuid.UUID
	if req.Count > 1 {
		id := uuid.New()
		batchID = &id
	}

	records := make([]*model.WorkflowRecord, 0, req.Count)
	events := make([]*model.WorkflowEvent, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		params := req.Params
		if batchID != nil {
			params.VariantIndex = i + 1
		}
		rec := &model.WorkflowRecord{
			ID:                uuid.New(),
			UserID:            req.UserID,
			Variant:           req.Variant,
			BatchID:           batchID,
			Status:            model.StatusPending,
			CurrentStep:       model.StepPending,
			ImageURL:          strings.TrimSpace(req.ImageURL),
			CharacterImageURL: strings.TrimSpace(req.CharacterImageURL),
			SourceVideoURL:    strings.TrimSpace(req.VideoURL),
			Params:            params,
			LastProcessedAt:   &now,
		}
		records = append(records, rec)
		events = append(events, newWorkflowEvent(rec, model.EventWorkflowCreated, nil))
	}

	if err := e.records.CreateWithOutbox(ctx, records, events); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	for _, rec := range records {
		metrics.WorkflowsTotal.WithLabelValues(string(rec.Variant), string(rec.Status)).Inc()
		e.notify(ctx, rec)
	}
	e.logger.Info("workflow started",
		zap.String("user_id", req.UserID),
		zap.String("variant", string(req.Variant)),
		zap.Int("count", len(records)),
	)
	return records, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID, userID string) (*model.WorkflowRecord, error) {
	return e.loadOwned(ctx, id, userID)
}

// Segments lists a workflow's segments in order.
func (e *Engine) Segments(ctx context.Context, id uuid.UUID) ([]model.Segment, error) {
	return e.segments.ListByWorkflow(ctx, id)
}

type ListFilter struct {
	Variant *model.Variant
	Limit   int
	Offset  int
}

func (e *Engine) List(ctx context.Context, userID string, filter ListFilter) ([]model.WorkflowRecord, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.records.List(ctx, userID, filter.Variant, filter.Limit, filter.Offset)
}

// Batch returns the records of a multi-variant job.
func (e *Engine) Batch(ctx context.Context, batchID uuid.UUID, userID string) ([]model.WorkflowRecord, error) {
	records, err := e.records.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	if records[0].UserID != userID {
		return nil, ErrForbidden
	}
	return records, nil
}

func (e *Engine) load(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	rec, err := e.records.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	return rec, nil
}

func (e *Engine) loadOwned(ctx context.Context, id uuid.UUID, userID string) (*model.WorkflowRecord, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (e *Engine) variant(rec *model.WorkflowRecord) (*Variant, error) {
	v, ok := e.registry.Get(rec.Variant)
	if !ok {
		return nil, fmt.Errorf("workflow %s has unknown variant %q", rec.ID, rec.Variant)
	}
	return v, nil
}

// update applies a version-conditional write and returns the fresh record.
// A non-empty eventType also appends an outbox event and notifies.
func (e *Engine) update(ctx context.Context, rec *model.WorkflowRecord, updates map[string]interface{}, eventType string) (*model.WorkflowRecord, error) {
	var event *model.WorkflowEvent
	if eventType != "" {
		event = newWorkflowEvent(rec, eventType, updates)
	}
	if err := e.records.UpdateWithOutbox(ctx, rec, updates, event); err != nil {
		return nil, err
	}
	fresh, err := e.load(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if event != nil {
		e.notify(ctx, fresh)
	}
	return fresh, nil
}

// reloadIfStale turns a lost version race into the winner's state.
func (e *Engine) reloadIfStale(ctx context.Context, id uuid.UUID, err error) (*model.WorkflowRecord, error) {
	if errors.Is(err, postgres.ErrStaleRecord) {
		return e.load(ctx, id)
	}
	return nil, err
}

func (e *Engine) notify(ctx context.Context, rec *model.WorkflowRecord) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, rec)
	}
}

func (e *Engine) callbackURL(rec *model.WorkflowRecord, def *StepDef) string {
	if e.callbacks == nil {
		return ""
	}
	return e.callbacks.CallbackURL(rec.ID, def.Name, def.TaskKind)
}

func newWorkflowEvent(rec *model.WorkflowRecord, eventType string, updates map[string]interface{}) *model.WorkflowEvent {
	payload := model.JSONB{
		"workflow_id": rec.ID.String(),
		"user_id":     rec.UserID,
		"variant":     string(rec.Variant),
		"status":      string(rec.Status),
		"step":        string(rec.CurrentStep),
		"progress":    rec.ProgressPercentage,
	}
	if status, ok := updates["status"].(model.Status); ok {
		payload["status"] = string(status)
	}
	if step, ok := updates["current_step"].(model.Step); ok {
		payload["step"] = string(step)
	}
	if progress, ok := updates["progress_percentage"].(int); ok {
		payload["progress"] = progress
	}
	if msg, ok := updates["error_message"].(string); ok && msg != "" {
		payload["error_message"] = msg
	}
	if rec.BatchID != nil {
		payload["batch_id"] = rec.BatchID.String()
	}
	return &model.WorkflowEvent{
		EventID:    uuid.New(),
		WorkflowID: rec.ID,
		EventType:  eventType,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
}
