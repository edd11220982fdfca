package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
	"github.com/adflow/adflow/pkg/taskclient"
)

const maxObserveAttempts = 3

// TaskObserved is a vendor task status learned from a webhook or a poll.
type TaskObserved struct {
	TaskID string
	// WorkflowID is set when the caller knows which record the task
	// belongs to, e.g. from a signed callback token.
	WorkflowID uuid.UUID
	Status     taskclient.Status
}

// Observe applies a task status to the record or segment holding the task.
// It is the single path for webhooks and polls, so repeated or late
// observations must be harmless.
func (e *Engine) Observe(ctx context.Context, obs TaskObserved) (*model.WorkflowRecord, error) {
	if obs.TaskID == "" {
		return nil, invalidf("task id is required")
	}
	var lastErr error
	for attempt := 0; attempt < maxObserveAttempts; attempt++ {
		rec, err := e.observeOnce(ctx, obs)
		if !errors.Is(err, postgres.ErrStaleRecord) {
			return rec, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("observe task %s: %w", obs.TaskID, lastErr)
}

func (e *Engine) observeOnce(ctx context.Context, obs TaskObserved) (*model.WorkflowRecord, error) {
	rec, err := e.records.GetByTaskID(ctx, obs.TaskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return e.observeSegment(ctx, obs)
	}
	if err != nil {
		return nil, err
	}
	if obs.WorkflowID != uuid.Nil && obs.WorkflowID != rec.ID {
		return nil, ErrStaleObservation
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	v, err := e.variant(rec)
	if err != nil {
		return nil, err
	}
	def, ok := v.Step(rec.CurrentStep)
	if !ok || def.TaskColumn == "" || columnValue(rec, def.TaskColumn) != obs.TaskID {
		return nil, ErrStaleObservation
	}

	status := obs.Status
	switch status.State {
	case taskclient.StateSucceeded:
		url := resultURL(status)
		if url == "" {
			return e.failObserved(ctx, v, rec, def, "vendor reported success without a result")
		}
		if columnValue(rec, def.OutputColumn) == "" {
			updates := map[string]interface{}{
				def.OutputColumn:      url,
				"progress_percentage": def.Progress,
				"last_processed_at":   e.now(),
			}
			if _, err := e.update(ctx, rec, updates, model.EventWorkflowStepChanged); err != nil {
				return nil, err
			}
			metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "succeeded").Inc()
			e.logger.Info("task succeeded",
				zap.String("workflow_id", rec.ID.String()),
				zap.String("step", string(def.Name)),
				zap.String("task_id", obs.TaskID),
			)
		}
		return e.Advance(ctx, rec.ID)

	case taskclient.StateFailed:
		return e.failObserved(ctx, v, rec, def, status.ErrorDetail)

	default:
		if err := e.records.Touch(ctx, rec, e.now()); err != nil && !errors.Is(err, postgres.ErrStaleRecord) {
			return nil, err
		}
		return rec, nil
	}
}

func (e *Engine) failObserved(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef, detail string) (*model.WorkflowRecord, error) {
	if detail == "" {
		detail = "vendor task failed"
	}
	metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "failed").Inc()
	return e.fail(ctx, rec, fmt.Sprintf("%s: %s", def.Name, detail))
}

func (e *Engine) observeSegment(ctx context.Context, obs TaskObserved) (*model.WorkflowRecord, error) {
	seg, err := e.segments.GetByTaskID(ctx, obs.TaskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStaleObservation
	}
	if err != nil {
		return nil, err
	}
	if obs.WorkflowID != uuid.Nil && obs.WorkflowID != seg.WorkflowID {
		return nil, ErrStaleObservation
	}

	rec, err := e.load(ctx, seg.WorkflowID)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return rec, nil
	}
	v, err := e.variant(rec)
	if err != nil {
		return nil, err
	}
	def, ok := v.Step(rec.CurrentStep)
	if !ok || def.Kind != KindFanOut {
		return nil, ErrStaleObservation
	}

	active := []model.SegmentStatus{model.SegmentPending, model.SegmentRendering}
	status := obs.Status
	switch status.State {
	case taskclient.StateSucceeded:
		url := resultURL(status)
		if url == "" {
			status.ErrorDetail = "vendor reported success without a result"
			break
		}
		if _, err := e.segments.UpdateIfStatus(ctx, seg.ID, active, map[string]interface{}{
			"status":    model.SegmentReady,
			"video_url": url,
		}); err != nil {
			return nil, err
		}
		return e.segmentReady(ctx, v, rec, def)

	case taskclient.StateFailed:
	default:
		return rec, nil
	}

	if seg.Status == model.SegmentReady {
		return rec, nil
	}
	detail := status.ErrorDetail
	if detail == "" {
		detail = "vendor task failed"
	}
	if _, err := e.segments.UpdateIfStatus(ctx, seg.ID, active, map[string]interface{}{
		"status":        model.SegmentFailed,
		"error_message": detail,
	}); err != nil {
		return nil, err
	}
	metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "failed").Inc()
	return e.fail(ctx, rec, fmt.Sprintf("segment %d failed: %s", seg.SegmentIndex+1, detail))
}

// segmentReady moves progress through the fan-out and hands over to the
// merge once every segment is ready.
func (e *Engine) segmentReady(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (*model.WorkflowRecord, error) {
	counts, err := e.segments.Counts(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	base := v.progressBefore(def.Name)
	progress := base
	if counts.Total > 0 {
		progress = base + (def.Progress-base)*counts.Ready/counts.Total
	}
	if progress > rec.ProgressPercentage {
		updates := map[string]interface{}{"progress_percentage": progress}
		next, err := e.update(ctx, rec, updates, model.EventWorkflowStepChanged)
		if err != nil {
			return nil, err
		}
		rec = next
	}
	if !counts.AllReady() {
		return rec, nil
	}
	e.logger.Info("all segments ready", zap.String("workflow_id", rec.ID.String()), zap.Int("segments", counts.Total))
	return e.Advance(ctx, rec.ID)
}

func resultURL(status taskclient.Status) string {
	if status.ResultURL != "" {
		return status.ResultURL
	}
	if len(status.ResultURLs) > 0 {
		return status.ResultURLs[0]
	}
	return ""
}

type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeSkipped   Outcome = "skipped"
)

// Reconcile is the monitor's view of one record: poll whatever the record
// is waiting on and feed the result through Observe, or restart work whose
// claim has expired. Transient vendor errors leave the record untouched.
func (e *Engine) Reconcile(ctx context.Context, id uuid.UUID) (Outcome, error) {
	before, err := e.load(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	if before.IsTerminal() || before.Status == model.StatusAwaitingReview {
		return OutcomeSkipped, nil
	}
	v, err := e.variant(before)
	if err != nil {
		return OutcomeSkipped, err
	}

	after, err := e.reconcile(ctx, v, before)
	if err != nil {
		return OutcomeSkipped, err
	}
	return classify(before, after), nil
}

func (e *Engine) reconcile(ctx context.Context, v *Variant, rec *model.WorkflowRecord) (*model.WorkflowRecord, error) {
	now := e.now()
	if rec.CurrentStep == model.StepPending {
		return e.Advance(ctx, rec.ID)
	}
	def, ok := v.Step(rec.CurrentStep)
	if !ok {
		return nil, fmt.Errorf("variant %s has no step %s", v.Name, rec.CurrentStep)
	}
	done, err := e.stepDone(ctx, rec, def)
	if err != nil {
		return nil, err
	}
	if done {
		return e.Advance(ctx, rec.ID)
	}

	switch def.Kind {
	case KindAsync, KindMerge:
		taskID := columnValue(rec, def.TaskColumn)
		if taskID == "" {
			return e.restart(ctx, v, rec, def, now)
		}
		return e.pollTask(ctx, rec, def, taskID, now)

	case KindFanOut:
		segments, err := e.segments.ListByWorkflow(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if len(segments) == 0 {
			return e.restart(ctx, v, rec, def, now)
		}
		return e.pollSegments(ctx, rec, def, segments, now)

	case KindSync:
		return e.restart(ctx, v, rec, def, now)
	}
	return rec, nil
}

// restart re-runs a claimed step that never recorded its work once the
// claim has expired.
func (e *Engine) restart(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef, now time.Time) (*model.WorkflowRecord, error) {
	if e.inFlight(rec, def, now) {
		return rec, nil
	}
	e.logger.Info("restarting stalled step",
		zap.String("workflow_id", rec.ID.String()),
		zap.String("step", string(def.Name)),
	)
	next, progressed, err := e.execute(ctx, v, rec, def, true)
	if err != nil {
		return nil, err
	}
	if progressed {
		return e.Advance(ctx, rec.ID)
	}
	return next, nil
}

func (e *Engine) pollTask(ctx context.Context, rec *model.WorkflowRecord, def *StepDef, taskID string, now time.Time) (*model.WorkflowRecord, error) {
	status, err := e.tasks.Poll(ctx, def.TaskKind, taskID)
	if err != nil {
		if !taskclient.IsTransient(err) && rec.LastProcessedAt != nil && now.Sub(*rec.LastProcessedAt) > e.opts.SyncStaleAfter {
			return e.fail(ctx, rec, fmt.Sprintf("%s: task status unavailable: %v", def.Name, err))
		}
		return nil, fmt.Errorf("poll %s task %s: %w", def.Name, taskID, err)
	}
	out, err := e.Observe(ctx, TaskObserved{TaskID: taskID, WorkflowID: rec.ID, Status: *status})
	if errors.Is(err, ErrStaleObservation) {
		return e.load(ctx, rec.ID)
	}
	return out, err
}

func (e *Engine) pollSegments(ctx context.Context, rec *model.WorkflowRecord, def *StepDef, segments []model.Segment, now time.Time) (*model.WorkflowRecord, error) {
	var errs []error
	for _, seg := range segments {
		switch {
		case seg.Status == model.SegmentReady || seg.Status == model.SegmentFailed:
			continue
		case seg.TaskID == "":
			// Submission never recorded; nothing to poll.
			if now.Sub(seg.CreatedAt) > e.opts.SyncStaleAfter {
				return e.fail(ctx, rec, fmt.Sprintf("segment %d was never submitted", seg.SegmentIndex+1))
			}
			continue
		}

		status, err := e.tasks.Poll(ctx, def.TaskKind, seg.TaskID)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll segment %d: %w", seg.SegmentIndex+1, err))
			continue
		}
		out, err := e.Observe(ctx, TaskObserved{TaskID: seg.TaskID, WorkflowID: rec.ID, Status: *status})
		if err != nil && !errors.Is(err, ErrStaleObservation) {
			errs = append(errs, err)
			continue
		}
		if out != nil && out.IsTerminal() {
			return out, nil
		}
	}

	fresh, err := e.load(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Version == rec.Version && !fresh.IsTerminal() {
		if err := e.records.Touch(ctx, fresh, now); err != nil && !errors.Is(err, postgres.ErrStaleRecord) {
			errs = append(errs, err)
		}
	}
	return fresh, errors.Join(errs...)
}

func classify(before, after *model.WorkflowRecord) Outcome {
	switch {
	case after == nil:
		return OutcomeSkipped
	case after.Status == model.StatusCompleted:
		return OutcomeCompleted
	case after.Status == model.StatusFailed:
		return OutcomeFailed
	case after.Version != before.Version:
		return OutcomeAdvanced
	}
	return OutcomePending
}
