package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
)

const maxStepsPerAdvance = 16

// Advance runs the record forward until it waits on a vendor task, the
// review gate or a terminal status.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := e.variant(rec)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxStepsPerAdvance; i++ {
		if rec.IsTerminal() || rec.Status == model.StatusAwaitingReview {
			return rec, nil
		}
		def, err := e.nextStep(ctx, v, rec)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return e.complete(ctx, v, rec)
		}

		next, progressed, err := e.execute(ctx, v, rec, def, false)
		if err != nil {
			return nil, err
		}
		rec = next
		if !progressed {
			return rec, nil
		}
	}
	return rec, nil
}

// Process runs exactly step, which must be the record's next step. A step
// whose artifacts already exist returns the record unchanged.
func (e *Engine) Process(ctx context.Context, id uuid.UUID, userID string, step model.Step) (*model.WorkflowRecord, error) {
	rec, err := e.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	v, err := e.variant(rec)
	if err != nil {
		return nil, err
	}
	def, ok := v.Step(step)
	if !ok {
		return nil, invalidf("step %s is not part of the %s workflow", step, v.Name)
	}

	done, err := e.stepDone(ctx, rec, def)
	if err != nil {
		return nil, err
	}
	if done {
		return rec, nil
	}
	if rec.IsTerminal() {
		return nil, preconditionf("workflow is %s", rec.Status)
	}
	if rec.Status == model.StatusAwaitingReview {
		return nil, preconditionf("workflow is awaiting review")
	}

	next, err := e.nextStep(ctx, v, rec)
	if err != nil {
		return nil, err
	}
	if next == nil || next.Name != step {
		return nil, preconditionf("step %s cannot run while the workflow is at %s", step, rec.CurrentStep)
	}

	out, _, err := e.execute(ctx, v, rec, def, false)
	return out, err
}

// nextStep returns the step the record should work on, or nil when every
// step is done.
func (e *Engine) nextStep(ctx context.Context, v *Variant, rec *model.WorkflowRecord) (*StepDef, error) {
	switch rec.CurrentStep {
	case model.StepPending:
		return v.Steps[0], nil
	case model.StepCompleted:
		return nil, nil
	}
	def, ok := v.Step(rec.CurrentStep)
	if !ok {
		return nil, fmt.Errorf("variant %s has no step %s", v.Name, rec.CurrentStep)
	}
	done, err := e.stepDone(ctx, rec, def)
	if err != nil {
		return nil, err
	}
	if !done {
		return def, nil
	}
	return v.after(def.Name), nil
}

func (e *Engine) stepDone(ctx context.Context, rec *model.WorkflowRecord, def *StepDef) (bool, error) {
	switch {
	case def.Kind == KindFanOut:
		counts, err := e.segments.Counts(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		return counts.AllReady(), nil
	case def.Done != nil:
		return def.Done(rec), nil
	case def.OutputColumn != "":
		return columnValue(rec, def.OutputColumn) != "", nil
	}
	return false, nil
}

// execute claims def for rec and runs it. progressed reports whether the
// step finished inline so the caller may continue with the next one.
func (e *Engine) execute(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef, force bool) (*model.WorkflowRecord, bool, error) {
	if def.Kind == KindMerge {
		if err := e.checkSegmentsReady(ctx, rec); err != nil {
			return rec, false, err
		}
	}
	claimed, ok, err := e.claim(ctx, v, rec, def, force)
	if err != nil || !ok {
		return claimed, false, err
	}
	return e.run(ctx, v, claimed, def)
}

// claim moves the record onto def with a version-conditional write. A step
// claimed recently by someone else is left alone unless force is set.
func (e *Engine) claim(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef, force bool) (*model.WorkflowRecord, bool, error) {
	now := e.now()
	if rec.CurrentStep == def.Name {
		if !force && e.inFlight(rec, def, now) {
			return rec, false, nil
		}
	} else {
		next, err := v.machine.Next(ctx, rec.CurrentStep, triggerAdvance)
		if err != nil {
			return rec, false, err
		}
		if next != def.Name {
			return rec, false, preconditionf("%s follows %s, not %s", next, rec.CurrentStep, def.Name)
		}
	}

	status := model.StatusInProgress
	if def.Kind == KindReview {
		status = model.StatusAwaitingReview
	}
	updates := map[string]interface{}{
		"current_step":      def.Name,
		"status":            status,
		"last_processed_at": now,
	}
	eventType := ""
	if rec.CurrentStep != def.Name || rec.Status != status {
		eventType = model.EventWorkflowStepChanged
	}

	claimed, err := e.update(ctx, rec, updates, eventType)
	if err != nil {
		fresh, loadErr := e.reloadIfStale(ctx, rec.ID, err)
		return fresh, false, loadErr
	}
	return claimed, true, nil
}

func (e *Engine) inFlight(rec *model.WorkflowRecord, def *StepDef, now time.Time) bool {
	if rec.Status != model.StatusInProgress || rec.LastProcessedAt == nil {
		return false
	}
	ttl := e.opts.ClaimTTL
	if def.Kind == KindSync {
		ttl = e.opts.SyncStaleAfter
	}
	return now.Sub(*rec.LastProcessedAt) < ttl
}

func (e *Engine) run(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (*model.WorkflowRecord, bool, error) {
	switch def.Kind {
	case KindSync:
		return e.runSync(ctx, v, rec, def)
	case KindAsync, KindMerge:
		return e.runTask(ctx, v, rec, def)
	case KindFanOut:
		return e.runFanOut(ctx, v, rec, def)
	case KindReview:
		return rec, false, nil
	}
	return rec, false, fmt.Errorf("step %s has unknown kind %s", def.Name, def.Kind)
}

func (e *Engine) runSync(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (*model.WorkflowRecord, bool, error) {
	start := time.Now()
	updates, err := def.Run(ctx, e, rec)
	metrics.StepDuration.WithLabelValues(string(v.Name), string(def.Name)).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return rec, false, ctx.Err()
		}
		metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "failed").Inc()
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: %v", def.Name, err))
		return failed, false, err
	}

	updates["progress_percentage"] = def.Progress
	updates["last_processed_at"] = e.now()
	next, err := e.update(ctx, rec, updates, model.EventWorkflowStepChanged)
	if err != nil {
		fresh, loadErr := e.reloadIfStale(ctx, rec.ID, err)
		return fresh, false, loadErr
	}
	metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "succeeded").Inc()
	return next, true, nil
}

func (e *Engine) runTask(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (*model.WorkflowRecord, bool, error) {
	if done, err := e.stepDone(ctx, rec, def); err != nil || done {
		return rec, done, err
	}
	if columnValue(rec, def.TaskColumn) != "" {
		return rec, false, nil
	}

	var segments []model.Segment
	if def.Kind == KindMerge {
		if err := e.checkSegmentsReady(ctx, rec); err != nil {
			return rec, false, err
		}
		var err error
		if segments, err = e.segments.ListByWorkflow(ctx, rec.ID); err != nil {
			return rec, false, err
		}
	}

	req, err := def.Request(rec, segments)
	if err != nil {
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: %v", def.Name, err))
		return failed, false, err
	}
	req.CallbackURL = e.callbackURL(rec, def)

	charged, err := e.chargeAhead(ctx, v, rec, def)
	if errors.Is(err, credits.ErrInsufficientCredits) {
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: insufficient credits", def.Name))
		return failed, false, err
	}
	if err != nil {
		return rec, false, err
	}

	start := time.Now()
	taskID, err := e.tasks.Submit(ctx, req)
	metrics.StepDuration.WithLabelValues(string(v.Name), string(def.Name)).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// The claim stays; the monitor resubmits once it expires.
			e.logger.Warn("task submission interrupted",
				zap.String("workflow_id", rec.ID.String()),
				zap.String("step", string(def.Name)),
				zap.Error(err),
			)
			return rec, false, nil
		}
		metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "failed").Inc()
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: %v", def.Name, err))
		return failed, false, err
	}

	updates := map[string]interface{}{
		def.TaskColumn:      taskID,
		"last_processed_at": e.now(),
	}
	if charged {
		if cost, err := e.creditsCost(ctx, rec.ID); err == nil {
			updates["credits_cost"] = cost
		}
	}
	next, err := e.update(ctx, rec, updates, "")
	if err != nil {
		e.logger.Warn("submitted task superseded before it was recorded",
			zap.String("workflow_id", rec.ID.String()),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		fresh, loadErr := e.reloadIfStale(ctx, rec.ID, err)
		return fresh, false, loadErr
	}

	metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "submitted").Inc()
	e.logger.Info("task submitted",
		zap.String("workflow_id", rec.ID.String()),
		zap.String("step", string(def.Name)),
		zap.String("task_id", taskID),
	)
	return next, false, nil
}

func (e *Engine) runFanOut(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (*model.WorkflowRecord, bool, error) {
	existing, err := e.segments.ListByWorkflow(ctx, rec.ID)
	if err != nil {
		return rec, false, err
	}
	if len(existing) > 0 {
		return rec, false, nil
	}

	specs, err := def.Segments(rec)
	if err != nil {
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: %v", def.Name, err))
		return failed, false, err
	}

	charged, err := e.chargeAhead(ctx, v, rec, def)
	if errors.Is(err, credits.ErrInsufficientCredits) {
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: insufficient credits", def.Name))
		return failed, false, err
	}
	if err != nil {
		return rec, false, err
	}

	segments := make([]*model.Segment, len(specs))
	for i, spec := range specs {
		segments[i] = &model.Segment{
			WorkflowID:    rec.ID,
			SegmentIndex:  i,
			Status:        model.SegmentPending,
			Prompt:        spec.Prompt,
			FirstFrameURL: spec.FirstFrameURL,
		}
	}
	if err := e.segments.CreateBatch(ctx, segments); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			fresh, loadErr := e.load(ctx, rec.ID)
			return fresh, false, loadErr
		}
		return rec, false, fmt.Errorf("create segments: %w", err)
	}

	callback := e.callbackURL(rec, def)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.FanOutConcurrency)
	for i, seg := range segments {
		seg := seg
		req := specs[i].Request
		req.CallbackURL = callback
		g.Go(func() error {
			taskID, err := e.tasks.Submit(gctx, req)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.SegmentIndex+1, err)
			}
			_, err = e.segments.UpdateIfStatus(ctx, seg.ID, []model.SegmentStatus{model.SegmentPending}, map[string]interface{}{
				"task_id": taskID,
				"status":  model.SegmentRendering,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "failed").Inc()
		failed, err := e.fail(ctx, rec, fmt.Sprintf("%s: %v", def.Name, err))
		return failed, false, err
	}

	updates := map[string]interface{}{"last_processed_at": e.now()}
	if charged {
		if cost, err := e.creditsCost(ctx, rec.ID); err == nil {
			updates["credits_cost"] = cost
		}
	}
	next, err := e.update(ctx, rec, updates, "")
	if err != nil {
		fresh, loadErr := e.reloadIfStale(ctx, rec.ID, err)
		return fresh, false, loadErr
	}
	metrics.StepsTotal.WithLabelValues(string(v.Name), string(def.Name), "submitted").Inc()
	e.logger.Info("segments submitted",
		zap.String("workflow_id", rec.ID.String()),
		zap.Int("segments", len(segments)),
	)
	return next, false, nil
}

// checkSegmentsReady is the join barrier in front of the merge.
func (e *Engine) checkSegmentsReady(ctx context.Context, rec *model.WorkflowRecord) error {
	counts, err := e.segments.Counts(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !counts.AllReady() {
		return preconditionf("segments not ready: %d of %d", counts.Ready, counts.Total)
	}
	return nil
}

// chargeAhead deducts def and every billable step after it for the record's
// current generation. It runs before each vendor submission, so a job that
// cannot pay fails before its first task reaches a vendor; units already
// paid are skipped.
func (e *Engine) chargeAhead(ctx context.Context, v *Variant, rec *model.WorkflowRecord, def *StepDef) (bool, error) {
	charged := false
	for _, step := range v.downstream(def.Name) {
		ok, err := e.chargeStep(ctx, rec, step)
		if err != nil {
			return charged, err
		}
		charged = charged || ok
	}
	return charged, nil
}

// chargeStep deducts the step's cost for the record's current generation.
// charged reports whether the step is billable at all.
func (e *Engine) chargeStep(ctx context.Context, rec *model.WorkflowRecord, def *StepDef) (bool, error) {
	cost := def.cost(rec)
	if cost <= 0 {
		return false, nil
	}
	unit := fmt.Sprintf("%s#%d", def.Name, rec.RegenerationCount)
	return true, e.charge(ctx, rec, unit, cost, fmt.Sprintf("%s %s", rec.Variant, def.Name))
}

// charge deducts cost for unit. A unit paid before counts as paid.
func (e *Engine) charge(ctx context.Context, rec *model.WorkflowRecord, unit string, cost int, description string) error {
	_, err := e.ledger.Deduct(ctx, rec.UserID, cost, credits.Charge{
		WorkflowID:  rec.ID,
		Unit:        unit,
		Description: description,
	})
	if errors.Is(err, credits.ErrAlreadyCharged) {
		return nil
	}
	return err
}

// creditsCost is the net amount the workflow has paid so far.
func (e *Engine) creditsCost(ctx context.Context, id uuid.UUID) (int, error) {
	entries, err := e.ledger.Charges(ctx, id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, entry := range entries {
		if entry.Type == model.CreditUsage || entry.Type == model.CreditRefund {
			total -= entry.Amount
		}
	}
	return total, nil
}

// fail marks the record failed and refunds every unsettled charge.
func (e *Engine) fail(ctx context.Context, rec *model.WorkflowRecord, reason string) (*model.WorkflowRecord, error) {
	updates := map[string]interface{}{
		"status":            model.StatusFailed,
		"error_message":     reason,
		"last_processed_at": e.now(),
	}
	failed, err := e.update(ctx, rec, updates, model.EventWorkflowFailed)
	if err != nil {
		return e.reloadIfStale(ctx, rec.ID, err)
	}

	metrics.WorkflowsTotal.WithLabelValues(string(rec.Variant), string(model.StatusFailed)).Inc()
	e.logger.Warn("workflow failed",
		zap.String("workflow_id", rec.ID.String()),
		zap.String("step", string(rec.CurrentStep)),
		zap.String("reason", reason),
	)
	return e.refundUnsettled(ctx, failed, reason)
}

func (e *Engine) refundUnsettled(ctx context.Context, rec *model.WorkflowRecord, reason string) (*model.WorkflowRecord, error) {
	entries, err := e.ledger.Charges(ctx, rec.ID)
	if err != nil {
		e.logger.Error("list charges for refund", zap.String("workflow_id", rec.ID.String()), zap.Error(err))
		return rec, nil
	}

	settled := make(map[string]bool, len(rec.SettledUnits))
	for _, unit := range rec.SettledUnits {
		settled[unit] = true
	}

	total := 0
	for _, entry := range entries {
		if entry.Type != model.CreditUsage || settled[entry.Unit] {
			continue
		}
		_, amount, err := e.ledger.Refund(ctx, rec.UserID, rec.ID, entry.Unit, "refund: "+reason)
		if err != nil {
			e.logger.Error("refund failed",
				zap.String("workflow_id", rec.ID.String()),
				zap.String("unit", entry.Unit),
				zap.Error(err),
			)
			continue
		}
		total += amount
	}
	if total == 0 {
		return rec, nil
	}

	cost, err := e.creditsCost(ctx, rec.ID)
	if err != nil {
		return rec, nil
	}
	next, err := e.update(ctx, rec, map[string]interface{}{"credits_cost": cost}, "")
	if err != nil {
		return e.reloadIfStale(ctx, rec.ID, err)
	}
	return next, nil
}

// complete checks the variant's required outputs and settles the charges
// of the finished run.
func (e *Engine) complete(ctx context.Context, v *Variant, rec *model.WorkflowRecord) (*model.WorkflowRecord, error) {
	if next, err := v.machine.Next(ctx, rec.CurrentStep, triggerAdvance); err != nil || next != model.StepCompleted {
		return nil, preconditionf("workflow at %s cannot complete", rec.CurrentStep)
	}
	if missing := v.missingOutput(rec); missing != "" {
		return e.fail(ctx, rec, fmt.Sprintf("finished without %s", missing))
	}

	entries, err := e.ledger.Charges(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	units := pq.StringArray{}
	for _, entry := range entries {
		if entry.Type == model.CreditUsage {
			units = append(units, entry.Unit)
		}
	}

	now := e.now()
	updates := map[string]interface{}{
		"status":              model.StatusCompleted,
		"current_step":        model.StepCompleted,
		"progress_percentage": 100,
		"error_message":       "",
		"settled_units":       units,
		"completed_at":        now,
		"last_processed_at":   now,
	}
	done, err := e.update(ctx, rec, updates, model.EventWorkflowCompleted)
	if err != nil {
		return e.reloadIfStale(ctx, rec.ID, err)
	}

	metrics.WorkflowsTotal.WithLabelValues(string(rec.Variant), string(model.StatusCompleted)).Inc()
	e.logger.Info("workflow completed",
		zap.String("workflow_id", rec.ID.String()),
		zap.String("variant", string(rec.Variant)),
		zap.Int("credits_cost", done.CreditsCost),
	)
	return done, nil
}
