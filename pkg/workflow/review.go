package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/credits"
	"github.com/adflow/adflow/pkg/metrics"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/store/postgres"
)

// Confirm resolves the review gate with the plan as generated, or with the
// user's edits applied. Callers advance the record afterwards.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID, userID string, edit *model.Plan) (*model.WorkflowRecord, error) {
	rec, err := e.loadOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusAwaitingReview {
		return nil, preconditionf("workflow is %s, not awaiting review", rec.Status)
	}
	v, err := e.variant(rec)
	if err != nil {
		return nil, err
	}
	def, ok := v.Step(model.StepAwaitingReview)
	if !ok {
		return nil, preconditionf("%s workflows have no review step", v.Name)
	}

	plan, err := applyPlanEdit(rec.Plan, edit)
	if err != nil {
		return nil, err
	}

	now := e.now()
	updates := map[string]interface{}{
		"plan":                plan,
		"plan_confirmed_at":   now,
		"status":              model.StatusInProgress,
		"progress_percentage": def.Progress,
		"last_processed_at":   now,
	}
	confirmed, err := e.update(ctx, rec, updates, model.EventWorkflowStepChanged)
	if errors.Is(err, postgres.ErrStaleRecord) {
		return nil, preconditionf("workflow changed concurrently")
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan confirmed", zap.String("workflow_id", rec.ID.String()), zap.Bool("edited", edit != nil))
	return confirmed, nil
}

func applyPlanEdit(plan model.Plan, edit *model.Plan) (model.Plan, error) {
	if edit == nil {
		return plan, nil
	}
	if p := strings.TrimSpace(edit.ImagePrompt); p != "" {
		plan.ImagePrompt = p
	}
	if p := strings.TrimSpace(edit.VideoPrompt); p != "" {
		plan.VideoPrompt = p
	}
	if len(edit.Scenes) > 0 {
		if len(edit.Scenes) != len(plan.Scenes) {
			return plan, invalidf("plan must keep %d scenes, got %d", len(plan.Scenes), len(edit.Scenes))
		}
		scenes := make([]string, len(edit.Scenes))
		for i, scene := range edit.Scenes {
			scene = strings.TrimSpace(scene)
			if scene == "" {
				return plan, invalidf("scene %d is empty", i+1)
			}
			scenes[i] = scene
		}
		plan.Scenes = scenes
	}
	return plan, nil
}

// Regenerate discards step's artifacts and everything downstream of it,
// then runs step again. Late results of the superseded tasks are dropped
// because their task ids are gone.
func (e *Engine) Regenerate(ctx context.Context, id uuid.UUID, userID string, step model.Step) (*model.WorkflowRecord, error) {
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
	if !def.Regenerable() {
		return nil, invalidf("step %s cannot be regenerated", step)
	}
	if rec.Status == model.StatusPending {
		return nil, preconditionf("workflow has not started")
	}
	if _, err := v.machine.Next(ctx, rec.CurrentStep, regenerateTrigger(step)); err != nil {
		return nil, err
	}

	extra := def.RegenerateCost(rec)
	required := extra
	downstream := v.downstream(step)
	for _, d := range downstream {
		required += d.cost(rec)
	}
	if required > 0 {
		check, err := e.ledger.Check(ctx, rec.UserID, required)
		if err != nil {
			return nil, err
		}
		if !check.Sufficient {
			return nil, fmt.Errorf("%w: need %d, have %d", credits.ErrInsufficientCredits, required, check.Current)
		}
	}

	n := rec.RegenerationCount + 1
	updates := map[string]interface{}{
		"current_step":        step,
		"status":              model.StatusInProgress,
		"progress_percentage": v.progressBefore(step),
		"error_message":       "",
		"regeneration_count":  n,
		"completed_at":        nil,
		"last_processed_at":   e.now(),
	}
	fanOut := false
	for _, d := range downstream {
		for _, column := range resetColumns(d) {
			updates[column] = ""
		}
		switch d.Kind {
		case KindReview:
			updates["plan_confirmed_at"] = nil
		case KindFanOut:
			fanOut = true
		}
	}

	regen, err := e.update(ctx, rec, updates, model.EventWorkflowRegenerated)
	if errors.Is(err, postgres.ErrStaleRecord) {
		return nil, preconditionf("workflow changed concurrently")
	}
	if err != nil {
		return nil, err
	}
	if fanOut {
		if err := e.segments.DeleteByWorkflow(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("reset segments: %w", err)
		}
	}

	moved := e.refundSuperseded(ctx, regen, downstream)
	if extra > 0 {
		unit := fmt.Sprintf("regenerate:%s:%d", step, n)
		err := e.charge(ctx, regen, unit, extra, fmt.Sprintf("regenerate %s", step))
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return e.fail(ctx, regen, fmt.Sprintf("regenerate %s: insufficient credits", step))
		}
		if err != nil {
			return nil, err
		}
		moved = true
	}
	if moved {
		if cost, err := e.creditsCost(ctx, regen.ID); err == nil {
			if next, err := e.update(ctx, regen, map[string]interface{}{"credits_cost": cost}, ""); err == nil {
				regen = next
			}
		}
	}

	metrics.StepsTotal.WithLabelValues(string(v.Name), string(step), "regenerated").Inc()
	e.logger.Info("step regenerated",
		zap.String("workflow_id", rec.ID.String()),
		zap.String("step", string(step)),
		zap.Int("generation", n),
	)

	out, _, err := e.run(ctx, v, regen, def)
	return out, err
}

func resetColumns(def *StepDef) []string {
	var columns []string
	if def.TaskColumn != "" {
		columns = append(columns, def.TaskColumn)
	}
	if def.OutputColumn != "" {
		columns = append(columns, def.OutputColumn)
	}
	return columns
}

// refundSuperseded gives back unsettled charges of steps a regenerate
// discarded before they delivered. It reports whether anything moved.
func (e *Engine) refundSuperseded(ctx context.Context, rec *model.WorkflowRecord, steps []*StepDef) bool {
	entries, err := e.ledger.Charges(ctx, rec.ID)
	if err != nil {
		e.logger.Error("list charges for superseded steps", zap.String("workflow_id", rec.ID.String()), zap.Error(err))
		return false
	}
	settled := make(map[string]bool, len(rec.SettledUnits))
	for _, unit := range rec.SettledUnits {
		settled[unit] = true
	}

	moved := false
	for _, entry := range entries {
		if entry.Type != model.CreditUsage || settled[entry.Unit] {
			continue
		}
		for _, def := range steps {
			if !strings.HasPrefix(entry.Unit, string(def.Name)+"#") {
				continue
			}
			_, amount, err := e.ledger.Refund(ctx, rec.UserID, rec.ID, entry.Unit, "superseded by regenerate")
			if err != nil {
				e.logger.Error("refund superseded charge", zap.String("unit", entry.Unit), zap.Error(err))
			}
			if amount > 0 {
				moved = true
			}
			break
		}
	}
	return moved
}
