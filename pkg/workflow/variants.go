package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/llm"
	"github.com/adflow/adflow/pkg/model"
	"github.com/adflow/adflow/pkg/taskclient"
)

const defaultSegmentCount = 2

// Registry holds the step tables of every supported variant.
type Registry struct {
	pricing  config.PricingConfig
	variants map[model.Variant]*Variant
}

func NewRegistry(pricing config.PricingConfig) *Registry {
	r := &Registry{pricing: pricing, variants: make(map[model.Variant]*Variant)}

	standard := r.standardVariant(model.VariantStandard)
	multi := r.standardVariant(model.VariantMultiVariant)
	multi.Validate = r.validateMulti

	for _, v := range []*Variant{standard, multi, r.characterVariant(), r.watermarkVariant(), r.thumbnailVariant()} {
		v.machine = newMachine(v)
		r.variants[v.Name] = v
	}
	return r
}

func (r *Registry) Get(name model.Variant) (*Variant, bool) {
	v, ok := r.variants[name]
	return v, ok
}

func (r *Registry) videoCost(rec *model.WorkflowRecord) int {
	cost, _ := r.pricing.VideoCost(rec.Params.VideoModel)
	return cost
}

func (r *Registry) standardVariant(name model.Variant) *Variant {
	return &Variant{
		Name: name,
		Steps: []*StepDef{
			analyzeStep(15),
			planStep(30, 0),
			{
				Name:           model.StepGeneratingCover,
				Kind:           KindAsync,
				TaskKind:       taskclient.KindImage,
				Progress:       60,
				RegenerateCost: func(*model.WorkflowRecord) int { return r.pricing.ImageRegenerate },
				TaskColumn:     "cover_task_id",
				OutputColumn:   "cover_image_url",
				Request: func(rec *model.WorkflowRecord, _ []model.Segment) (taskclient.Request, error) {
					return taskclient.Request{
						Kind:        taskclient.KindImage,
						Prompt:      rec.Plan.ImagePrompt,
						ImageURLs:   []string{rec.ImageURL},
						AspectRatio: aspectRatio(rec),
					}, nil
				},
			},
			{
				Name:           model.StepGeneratingVideo,
				Kind:           KindAsync,
				TaskKind:       taskclient.KindVideo,
				Progress:       95,
				Cost:           r.videoCost,
				RegenerateCost: func(*model.WorkflowRecord) int { return 0 },
				TaskColumn:     "video_task_id",
				OutputColumn:   "video_url",
				Request: func(rec *model.WorkflowRecord, _ []model.Segment) (taskclient.Request, error) {
					return taskclient.Request{
						Kind:        taskclient.KindVideo,
						Model:       rec.Params.VideoModel,
						Prompt:      rec.Plan.VideoPrompt,
						ImageURLs:   []string{rec.CoverImageURL},
						AspectRatio: aspectRatio(rec),
					}, nil
				},
			},
		},
		RequiredOutputs: []string{"cover_image_url", "video_url"},
		RequiredCredits: func(p model.Params) int {
			cost, _ := r.pricing.VideoCost(p.VideoModel)
			return cost
		},
		Validate: r.validateStandard,
	}
}

func (r *Registry) characterVariant() *Variant {
	return &Variant{
		Name: model.VariantCharacter,
		Steps: []*StepDef{
			analyzeStep(10),
			planStep(20, -1),
			{
				Name:     model.StepAwaitingReview,
				Kind:     KindReview,
				Progress: 25,
				Done:     func(rec *model.WorkflowRecord) bool { return rec.PlanConfirmedAt != nil },
			},
			{
				Name:           model.StepGeneratingCover,
				Kind:           KindAsync,
				TaskKind:       taskclient.KindImage,
				Progress:       40,
				RegenerateCost: func(*model.WorkflowRecord) int { return r.pricing.ImageRegenerate },
				TaskColumn:     "cover_task_id",
				OutputColumn:   "cover_image_url",
				Request: func(rec *model.WorkflowRecord, _ []model.Segment) (taskclient.Request, error) {
					return taskclient.Request{
						Kind:        taskclient.KindImage,
						Prompt:      rec.Plan.ImagePrompt,
						ImageURLs:   []string{rec.ImageURL, rec.CharacterImageURL},
						AspectRatio: aspectRatio(rec),
					}, nil
				},
			},
			{
				Name:     model.StepGeneratingVideo,
				Kind:     KindFanOut,
				TaskKind: taskclient.KindVideo,
				Progress: 85,
				Cost: func(rec *model.WorkflowRecord) int {
					return r.videoCost(rec) * segmentCount(rec)
				},
				RegenerateCost: func(*model.WorkflowRecord) int { return 0 },
				Segments: func(rec *model.WorkflowRecord) ([]SegmentSpec, error) {
					n := segmentCount(rec)
					if len(rec.Plan.Scenes) < n {
						return nil, fmt.Errorf("plan has %d scenes, want %d", len(rec.Plan.Scenes), n)
					}
					specs := make([]SegmentSpec, n)
					for i := range specs {
						specs[i] = SegmentSpec{
							Prompt:        rec.Plan.Scenes[i],
							FirstFrameURL: rec.CoverImageURL,
							Request: taskclient.Request{
								Kind:        taskclient.KindVideo,
								Model:       rec.Params.VideoModel,
								Prompt:      rec.Plan.Scenes[i],
								ImageURLs:   []string{rec.CoverImageURL},
								AspectRatio: aspectRatio(rec),
							},
						}
					}
					return specs, nil
				},
			},
			{
				Name:         model.StepMergingSegments,
				Kind:         KindMerge,
				TaskKind:     taskclient.KindMerge,
				Progress:     95,
				TaskColumn:   "merge_task_id",
				OutputColumn: "merged_video_url",
				Request: func(rec *model.WorkflowRecord, segments []model.Segment) (taskclient.Request, error) {
					urls := make([]string, 0, len(segments))
					for _, seg := range segments {
						if seg.VideoURL == "" {
							return taskclient.Request{}, fmt.Errorf("segment %d has no video", seg.SegmentIndex)
						}
						urls = append(urls, seg.VideoURL)
					}
					return taskclient.Request{Kind: taskclient.KindMerge, VideoURLs: urls}, nil
				},
			},
		},
		RequiredOutputs: []string{"cover_image_url", "merged_video_url"},
		RequiredCredits: func(p model.Params) int {
			cost, _ := r.pricing.VideoCost(p.VideoModel)
			n := p.SegmentCount
			if n <= 0 {
				n = defaultSegmentCount
			}
			return cost * n
		},
		Validate: r.validateCharacter,
	}
}

func (r *Registry) watermarkVariant() *Variant {
	return &Variant{
		Name: model.VariantWatermark,
		Steps: []*StepDef{
			{
				Name:           model.StepRemovingWatermark,
				Kind:           KindAsync,
				TaskKind:       taskclient.KindWatermark,
				Progress:       95,
				Cost:           func(*model.WorkflowRecord) int { return r.pricing.Watermark },
				RegenerateCost: func(*model.WorkflowRecord) int { return 0 },
				TaskColumn:     "video_task_id",
				OutputColumn:   "video_url",
				Request: func(rec *model.WorkflowRecord, _ []model.Segment) (taskclient.Request, error) {
					return taskclient.Request{Kind: taskclient.KindWatermark, VideoURLs: []string{rec.SourceVideoURL}}, nil
				},
			},
		},
		RequiredOutputs: []string{"video_url"},
		RequiredCredits: func(model.Params) int { return r.pricing.Watermark },
		Validate: func(req StartRequest) error {
			if strings.TrimSpace(req.VideoURL) == "" {
				return invalidf("video_url is required")
			}
			return nil
		},
	}
}

func (r *Registry) thumbnailVariant() *Variant {
	return &Variant{
		Name: model.VariantThumbnail,
		Steps: []*StepDef{
			{
				Name:           model.StepGeneratingThumbnail,
				Kind:           KindAsync,
				TaskKind:       taskclient.KindImage,
				Progress:       95,
				Cost:           func(*model.WorkflowRecord) int { return r.pricing.Thumbnail },
				RegenerateCost: func(*model.WorkflowRecord) int { return 0 },
				TaskColumn:     "cover_task_id",
				OutputColumn:   "cover_image_url",
				Request: func(rec *model.WorkflowRecord, _ []model.Segment) (taskclient.Request, error) {
					req := taskclient.Request{
						Kind:        taskclient.KindImage,
						Prompt:      thumbnailPrompt(rec),
						AspectRatio: aspectRatio(rec),
					}
					if rec.ImageURL != "" {
						req.ImageURLs = []string{rec.ImageURL}
					}
					return req, nil
				},
			},
		},
		RequiredOutputs: []string{"cover_image_url"},
		RequiredCredits: func(model.Params) int { return r.pricing.Thumbnail },
		Validate: func(req StartRequest) error {
			if strings.TrimSpace(req.Params.Title) == "" && strings.TrimSpace(req.Params.UserPrompt) == "" {
				return invalidf("title or user_prompt is required")
			}
			return nil
		},
	}
}

func analyzeStep(progress int) *StepDef {
	return &StepDef{
		Name:         model.StepAnalyzingImage,
		Kind:         KindSync,
		Progress:     progress,
		OutputColumn: "product_description",
		Run: func(ctx context.Context, e *Engine, rec *model.WorkflowRecord) (map[string]interface{}, error) {
			images := []string{rec.ImageURL}
			if rec.CharacterImageURL != "" {
				images = append(images, rec.CharacterImageURL)
			}
			text, err := e.llm.Complete(ctx, llm.CompletionRequest{
				System:    analysisSystemPrompt,
				Prompt:    analysisPrompt(rec),
				ImageURLs: images,
			})
			if err != nil {
				return nil, err
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return nil, errors.New("image analysis returned no description")
			}
			return map[string]interface{}{"product_description": text}, nil
		},
	}
}

// planStep writes the creative plan. scenes is 0 for single-shot variants
// and negative when the count comes from the record's params.
func planStep(progress, scenes int) *StepDef {
	return &StepDef{
		Name:     model.StepGeneratingPrompts,
		Kind:     KindSync,
		Progress: progress,
		Done:     func(rec *model.WorkflowRecord) bool { return !rec.Plan.IsZero() },
		Run: func(ctx context.Context, e *Engine, rec *model.WorkflowRecord) (map[string]interface{}, error) {
			n := scenes
			if n < 0 {
				n = segmentCount(rec)
			}
			raw, err := e.llm.Complete(ctx, llm.CompletionRequest{
				System: planSystemPrompt,
				Prompt: planPrompt(rec, n),
				JSON:   true,
			})
			if err != nil {
				return nil, err
			}
			plan, err := parsePlan(raw, n)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"plan": plan}, nil
		},
	}
}

func segmentCount(rec *model.WorkflowRecord) int {
	if rec.Params.SegmentCount > 0 {
		return rec.Params.SegmentCount
	}
	return defaultSegmentCount
}

func (r *Registry) validateStandard(req StartRequest) error {
	if strings.TrimSpace(req.ImageURL) == "" {
		return invalidf("image_url is required")
	}
	if _, ok := r.pricing.VideoCost(req.Params.VideoModel); !ok {
		return invalidf("unknown video model %q", req.Params.VideoModel)
	}
	return nil
}

func (r *Registry) validateMulti(req StartRequest) error {
	if err := r.validateStandard(req); err != nil {
		return err
	}
	if req.Count < 1 || req.Count > r.pricing.MaxVariants {
		return invalidf("variant count must be between 1 and %d", r.pricing.MaxVariants)
	}
	return nil
}

func (r *Registry) validateCharacter(req StartRequest) error {
	if err := r.validateStandard(req); err != nil {
		return err
	}
	if strings.TrimSpace(req.CharacterImageURL) == "" {
		return invalidf("character_image_url is required")
	}
	n := req.Params.SegmentCount
	if n == 0 {
		n = defaultSegmentCount
	}
	if n < 2 || n > r.pricing.MaxSegments {
		return invalidf("segment_count must be between 2 and %d", r.pricing.MaxSegments)
	}
	return nil
}
