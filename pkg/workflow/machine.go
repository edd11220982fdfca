package workflow

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/adflow/adflow/pkg/model"
)

const triggerAdvance = "advance"

func regenerateTrigger(step model.Step) string {
	return "regenerate:" + string(step)
}

// Machine validates step transitions of one variant. Records keep their own
// state, so every check runs a throwaway state machine over external storage
// seeded from the record.
type Machine struct {
	variant *Variant
}

func newMachine(v *Variant) *Machine {
	return &Machine{variant: v}
}

func (m *Machine) build(state *model.Step) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			return *state, nil
		},
		func(ctx context.Context, s stateless.State) error {
			*state = s.(model.Step)
			return nil
		},
		stateless.FiringImmediate,
	)

	steps := m.variant.Steps
	sm.Configure(model.StepPending).Permit(triggerAdvance, steps[0].Name)

	for i, step := range steps {
		cfg := sm.Configure(step.Name)
		if i+1 < len(steps) {
			cfg.Permit(triggerAdvance, steps[i+1].Name)
		} else {
			cfg.Permit(triggerAdvance, model.StepCompleted)
		}
		for _, target := range steps[:i+1] {
			if target.Regenerable() {
				if target.Name == step.Name {
					cfg.PermitReentry(regenerateTrigger(target.Name))
				} else {
					cfg.Permit(regenerateTrigger(target.Name), target.Name)
				}
			}
		}
	}

	completed := sm.Configure(model.StepCompleted)
	for _, step := range steps {
		if step.Regenerable() {
			completed.Permit(regenerateTrigger(step.Name), step.Name)
		}
	}
	return sm
}

// Next returns the step trigger leads to from current.
func (m *Machine) Next(ctx context.Context, current model.Step, trigger string) (model.Step, error) {
	state := current
	sm := m.build(&state)
	ok, err := sm.CanFireCtx(ctx, trigger)
	if err != nil {
		return current, err
	}
	if !ok {
		return current, preconditionf("%s is not allowed from %s", trigger, current)
	}
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return current, preconditionf("%s from %s: %v", trigger, current, err)
	}
	return state, nil
}
