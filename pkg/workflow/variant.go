package workflow

import (
	"context"

	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/taskclient"
)

type StepKind int

const (
	// KindSync runs inline through the completer.
	KindSync StepKind = iota
	// KindAsync submits one vendor task and waits for its observation.
	KindAsync
	// KindReview parks the record until the user confirms the plan.
	KindReview
	// KindFanOut submits one vendor task per segment.
	KindFanOut
	// KindMerge joins ready segments with a single vendor task.
	KindMerge
)

func (k StepKind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	case KindReview:
		return "review"
	case KindFanOut:
		return "fanout"
	case KindMerge:
		return "merge"
	}
	return "unknown"
}

// StepDef describes one step of a variant's pipeline.
type StepDef struct {
	Name     model.Step
	Kind     StepKind
	TaskKind taskclient.Kind
	// Progress is the record's progress once the step is done.
	Progress int

	// Cost is charged each time the step is submitted in a new generation.
	Cost func(rec *model.WorkflowRecord) int
	// RegenerateCost is an extra fee for an explicit regenerate. A nil func
	// means the step cannot be regenerated.
	RegenerateCost func(rec *model.WorkflowRecord) int

	// Run executes a sync step and returns the columns to persist.
	Run func(ctx context.Context, e *Engine, rec *model.WorkflowRecord) (map[string]interface{}, error)
	// Request builds the vendor request of an async or merge step.
	Request func(rec *model.WorkflowRecord, segments []model.Segment) (taskclient.Request, error)
	// Segments builds the per-segment requests of a fan-out step.
	Segments func(rec *model.WorkflowRecord) ([]SegmentSpec, error)

	TaskColumn   string
	OutputColumn string
	// Done reports whether the step's artifacts exist. Fan-out steps are
	// judged from their segments instead.
	Done func(rec *model.WorkflowRecord) bool
}

// SegmentSpec is one fan-out task to create.
type SegmentSpec struct {
	Prompt        string
	FirstFrameURL string
	Request       taskclient.Request
}

func (d *StepDef) cost(rec *model.WorkflowRecord) int {
	if d.Cost == nil {
		return 0
	}
	return d.Cost(rec)
}

func (d *StepDef) Regenerable() bool {
	return d.RegenerateCost != nil
}

// Variant is the ordered step table of one ad workflow.
type Variant struct {
	Name  model.Variant
	Steps []*StepDef
	// RequiredOutputs are the columns that must be non-empty on completion.
	RequiredOutputs []string
	// RequiredCredits is checked up front when the job is created.
	RequiredCredits func(params model.Params) int
	Validate        func(req StartRequest) error

	machine *Machine
}

func (v *Variant) Step(name model.Step) (*StepDef, bool) {
	for _, step := range v.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return nil, false
}

func (v *Variant) index(name model.Step) int {
	for i, step := range v.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// after returns the step following name, or nil when name is last.
func (v *Variant) after(name model.Step) *StepDef {
	i := v.index(name)
	if i < 0 || i+1 >= len(v.Steps) {
		return nil
	}
	return v.Steps[i+1]
}

// progressBefore is the progress a record shows while working on name.
func (v *Variant) progressBefore(name model.Step) int {
	i := v.index(name)
	if i <= 0 {
		return 0
	}
	return v.Steps[i-1].Progress
}

// downstream returns name and every step after it.
func (v *Variant) downstream(name model.Step) []*StepDef {
	i := v.index(name)
	if i < 0 {
		return nil
	}
	return v.Steps[i:]
}

func (v *Variant) missingOutput(rec *model.WorkflowRecord) string {
	for _, column := range v.RequiredOutputs {
		if columnValue(rec, column) == "" {
			return column
		}
	}
	return ""
}

// columnValue reads the string columns steps refer to by name.
func columnValue(rec *model.WorkflowRecord, column string) string {
	switch column {
	case "cover_task_id":
		return rec.CoverTaskID
	case "video_task_id":
		return rec.VideoTaskID
	case "merge_task_id":
		return rec.MergeTaskID
	case "cover_image_url":
		return rec.CoverImageURL
	case "video_url":
		return rec.VideoURL
	case "merged_video_url":
		return rec.MergedVideoURL
	case "product_description":
		return rec.ProductDescription
	}
	return ""
}
