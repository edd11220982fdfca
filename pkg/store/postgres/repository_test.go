package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
	"github.com/adflow/adflow/pkg/store/storetest"
)

func newRecord(userID string) *model.WorkflowRecord {
	return &model.WorkflowRecord{
		UserID:      userID,
		Variant:     model.VariantStandard,
		Status:      model.StatusPending,
		CurrentStep: model.StepPending,
		ImageURL:    "https://cdn.example.com/product.png",
	}
}

func TestWorkflowUpdateIsConditionalOnVersion(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewWorkflowRepository(db)

	record := newRecord("user_1")
	event := &model.WorkflowEvent{EventType: model.EventWorkflowCreated, Payload: model.JSONB{"variant": "standard"}}
	if err := repo.CreateWithOutbox(ctx, []*model.WorkflowRecord{record}, []*model.WorkflowEvent{event}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := *record
	second := *record

	err := repo.UpdateWithOutbox(ctx, &first, map[string]interface{}{"current_step": model.StepAnalyzingImage}, nil)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	err = repo.UpdateWithOutbox(ctx, &second, map[string]interface{}{"current_step": model.StepGeneratingCover}, nil)
	if !errors.Is(err, postgres.ErrStaleRecord) {
		t.Fatalf("expected ErrStaleRecord, got %v", err)
	}

	stored, err := repo.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CurrentStep != model.StepAnalyzingImage {
		t.Fatalf("expected analyzing_image, got %s", stored.CurrentStep)
	}
	if stored.Version != record.Version+1 {
		t.Fatalf("expected version %d, got %d", record.Version+1, stored.Version)
	}
}

func TestWorkflowUpdateWritesOutboxAtomically(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewWorkflowRepository(db)
	outbox := postgres.NewOutboxRepository(db)

	record := newRecord("user_1")
	if err := repo.CreateWithOutbox(ctx, []*model.WorkflowRecord{record}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	event := &model.WorkflowEvent{
		WorkflowID: record.ID,
		EventType:  model.EventWorkflowStepChanged,
		Payload:    model.JSONB{"step": string(model.StepAnalyzingImage)},
	}
	if err := repo.UpdateWithOutbox(ctx, record, map[string]interface{}{"status": model.StatusInProgress}, event); err != nil {
		t.Fatalf("update: %v", err)
	}

	// the stale write must not leave an event behind
	stale := &model.WorkflowEvent{WorkflowID: record.ID, EventType: model.EventWorkflowFailed, Payload: model.JSONB{}}
	if err := repo.UpdateWithOutbox(ctx, record, map[string]interface{}{"status": model.StatusFailed}, stale); !errors.Is(err, postgres.ErrStaleRecord) {
		t.Fatalf("expected ErrStaleRecord, got %v", err)
	}

	events, err := outbox.ListByWorkflow(ctx, record.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != model.EventWorkflowStepChanged {
		t.Fatalf("expected one step_changed event, got %+v", events)
	}

	pending, err := outbox.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending event, got %d", len(pending))
	}
	if err := outbox.MarkPublished(ctx, pending[0].EventID, time.Now()); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, _ = outbox.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}
}

func TestListSweepCandidates(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewWorkflowRepository(db)

	now := time.Now().UTC()
	old := now.Add(-time.Minute)
	fresh := now.Add(-5 * time.Second)

	stale := newRecord("user_1")
	stale.Status = model.StatusInProgress
	stale.LastProcessedAt = &old

	recent := newRecord("user_1")
	recent.Status = model.StatusInProgress
	recent.LastProcessedAt = &fresh

	done := newRecord("user_1")
	done.Status = model.StatusCompleted

	if err := repo.CreateWithOutbox(ctx, []*model.WorkflowRecord{stale, recent, done}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	candidates, err := repo.ListSweepCandidates(ctx, now.Add(-30*time.Second), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != stale.ID {
		t.Fatalf("expected only the stale record, got %d records", len(candidates))
	}
}

func TestGetByTaskID(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewWorkflowRepository(db)

	record := newRecord("user_1")
	record.VideoTaskID = "task_video_1"
	if err := repo.CreateWithOutbox(ctx, []*model.WorkflowRecord{record}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := repo.GetByTaskID(ctx, "task_video_1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if found.ID != record.ID {
		t.Fatalf("expected record %s, got %s", record.ID, found.ID)
	}

	if _, err := repo.GetByTaskID(ctx, "missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSegmentCounts(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewSegmentRepository(db)

	workflowID := uuid.New()
	segments := []*model.Segment{
		{WorkflowID: workflowID, SegmentIndex: 0, Status: model.SegmentRendering, TaskID: "seg_0"},
		{WorkflowID: workflowID, SegmentIndex: 1, Status: model.SegmentRendering, TaskID: "seg_1"},
	}
	if err := repo.CreateBatch(ctx, segments); err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := repo.UpdateIfStatus(ctx, segments[0].ID,
		[]model.SegmentStatus{model.SegmentPending, model.SegmentRendering},
		map[string]interface{}{"status": model.SegmentReady, "video_url": "https://cdn.example.com/0.mp4"})
	if err != nil || !changed {
		t.Fatalf("expected segment update, changed=%v err=%v", changed, err)
	}

	changed, err = repo.UpdateIfStatus(ctx, segments[0].ID,
		[]model.SegmentStatus{model.SegmentPending, model.SegmentRendering},
		map[string]interface{}{"status": model.SegmentFailed})
	if err != nil || changed {
		t.Fatalf("expected ready segment to be left alone, changed=%v err=%v", changed, err)
	}

	counts, err := repo.Counts(ctx, workflowID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != 2 || counts.Ready != 1 || counts.Rendering != 1 || counts.AllReady() {
		t.Fatalf("unexpected counts %+v", counts)
	}

	if err := repo.DeleteByWorkflow(ctx, workflowID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	counts, _ = repo.Counts(ctx, workflowID)
	if counts.Total != 0 {
		t.Fatalf("expected no segments, got %d", counts.Total)
	}
}

func TestCreditDeductAndRefund(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	repo := postgres.NewCreditRepository(db)

	if _, created, err := repo.EnsureAccount(ctx, "user_1", 100); err != nil || !created {
		t.Fatalf("expected account creation, created=%v err=%v", created, err)
	}
	account, created, err := repo.EnsureAccount(ctx, "user_1", 100)
	if err != nil || created || account.Balance != 100 {
		t.Fatalf("expected existing account with 100, got %+v created=%v err=%v", account, created, err)
	}

	workflowID := uuid.New()
	balance, err := repo.Deduct(ctx, &model.CreditTransaction{UserID: "user_1", Amount: 60, WorkflowID: &workflowID, Unit: "start"})
	if err != nil || balance != 40 {
		t.Fatalf("expected balance 40, got %d err=%v", balance, err)
	}

	_, err = repo.Deduct(ctx, &model.CreditTransaction{UserID: "user_1", Amount: 10, WorkflowID: &workflowID, Unit: "start"})
	if !errors.Is(err, postgres.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate charge, got %v", err)
	}

	_, err = repo.Deduct(ctx, &model.CreditTransaction{UserID: "user_1", Amount: 41})
	if !errors.Is(err, postgres.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	_, err = repo.Deduct(ctx, &model.CreditTransaction{UserID: "nobody", Amount: 1})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected missing account, got %v", err)
	}

	balance, refunded, err := repo.Refund(ctx, "user_1", workflowID, "start", "step failed")
	if err != nil || refunded != 60 || balance != 100 {
		t.Fatalf("expected refund to 100, got %d refunded=%v err=%v", balance, refunded, err)
	}

	balance, refunded, err = repo.Refund(ctx, "user_1", workflowID, "start", "step failed")
	if err != nil || refunded != 0 || balance != 100 {
		t.Fatalf("expected second refund to be a no-op, got %d refunded=%v err=%v", balance, refunded, err)
	}

	entries, total, err := repo.ListTransactions(ctx, "user_1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("expected grant, usage and refund entries, got %d", total)
	}
}
