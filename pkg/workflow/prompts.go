package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adflow/adflow/pkg/model"
)

const analysisSystemPrompt = "You are a product marketing analyst. Describe products precisely for advertising creatives."

const planSystemPrompt = "You are an advertising creative director. Reply with a single JSON object and nothing else."

func analysisPrompt(rec *model.WorkflowRecord) string {
	var b strings.Builder
	b.WriteString("Describe the product in the first image: category, materials, colors, brand cues and the audience it targets.")
	if rec.CharacterImageURL != "" {
		b.WriteString(" The second image shows the spokesperson who will present it; describe their look briefly.")
	}
	if rec.Params.UserPrompt != "" {
		fmt.Fprintf(&b, " Creative direction from the user: %s.", rec.Params.UserPrompt)
	}
	return b.String()
}

func planPrompt(rec *model.WorkflowRecord, scenes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product description: %s\n", rec.ProductDescription)
	if rec.Params.UserPrompt != "" {
		fmt.Fprintf(&b, "User direction: %s\n", rec.Params.UserPrompt)
	}
	if rec.Params.Language != "" {
		fmt.Fprintf(&b, "Write any spoken lines in %s.\n", rec.Params.Language)
	}
	fmt.Fprintf(&b, "Aspect ratio: %s\n", aspectRatio(rec))
	b.WriteString(`Return {"image_prompt": string, "video_prompt": string`)
	if scenes > 0 {
		b.WriteString(`, "scenes": [string]`)
	}
	b.WriteString("}.\n")
	b.WriteString("image_prompt describes a cover image built from the product photo. ")
	b.WriteString("video_prompt describes an eight second commercial shot.")
	if scenes > 0 {
		fmt.Fprintf(&b, "\nEach scene is one continuous eight second shot of the spokesperson presenting the product, in order, scenes: %d", scenes)
	}
	return b.String()
}

func thumbnailPrompt(rec *model.WorkflowRecord) string {
	var b strings.Builder
	b.WriteString("Eye-catching video thumbnail")
	if rec.Params.Title != "" {
		fmt.Fprintf(&b, " with the headline %q in bold readable type", rec.Params.Title)
	}
	if rec.Params.UserPrompt != "" {
		fmt.Fprintf(&b, ". %s", rec.Params.UserPrompt)
	}
	return b.String()
}

// parsePlan decodes a completion into a plan. When scenes is positive the
// plan must carry at least that many scenes; extras are dropped.
func parsePlan(raw string, scenes int) (model.Plan, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var plan model.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return model.Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	plan.ImagePrompt = strings.TrimSpace(plan.ImagePrompt)
	plan.VideoPrompt = strings.TrimSpace(plan.VideoPrompt)

	if plan.ImagePrompt == "" {
		return model.Plan{}, errors.New("plan has no image prompt")
	}
	if scenes > 0 {
		if len(plan.Scenes) < scenes {
			return model.Plan{}, fmt.Errorf("plan has %d scenes, want %d", len(plan.Scenes), scenes)
		}
		plan.Scenes = plan.Scenes[:scenes]
		return plan, nil
	}
	if plan.VideoPrompt == "" {
		return model.Plan{}, errors.New("plan has no video prompt")
	}
	plan.Scenes = nil
	return plan, nil
}

func aspectRatio(rec *model.WorkflowRecord) string {
	if rec.Params.AspectRatio != "" {
		return rec.Params.AspectRatio
	}
	return "16:9"
}
