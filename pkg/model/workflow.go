package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type Variant string

const (
	VariantStandard     Variant = "standard"
	VariantMultiVariant Variant = "multi_variant"
	VariantCharacter    Variant = "character"
	VariantWatermark    Variant = "watermark"
	VariantThumbnail    Variant = "thumbnail"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

type Step string

const (
	StepPending             Step = "pending"
	StepAnalyzingImage      Step = "analyzing_image"
	StepGeneratingPrompts   Step = "generating_prompts"
	StepAwaitingReview      Step = "awaiting_review"
	StepGeneratingCover     Step = "generating_cover"
	StepGeneratingVideo     Step = "generating_video"
	StepMergingSegments     Step = "merging_segments"
	StepRemovingWatermark   Step = "removing_watermark"
	StepGeneratingThumbnail Step = "generating_thumbnail"
	StepCompleted           Step = "completed"
	StepFailed              Step = "failed"
)

// WorkflowRecord is the persisted state of one ad generation job. Every
// variant shares this table; unused columns stay empty.
type WorkflowRecord struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID             string     `gorm:"type:varchar(255);not null;index"`
	Variant            Variant    `gorm:"type:varchar(32);not null;index"`
	BatchID            *uuid.UUID `gorm:"type:uuid;index"`
	Status             Status     `gorm:"type:varchar(32);not null;default:'pending';index:idx_workflow_sweep,priority:1"`
	CurrentStep        Step       `gorm:"type:varchar(64);not null;default:'pending'"`
	ProgressPercentage int        `gorm:"not null;default:0"`

	ImageURL          string
	CharacterImageURL string
	SourceVideoURL    string
	Params            Params `gorm:"type:jsonb"`

	ProductDescription string
	Plan               Plan `gorm:"type:jsonb"`
	PlanConfirmedAt    *time.Time

	CoverImageURL  string
	VideoURL       string
	MergedVideoURL string

	CoverTaskID string `gorm:"type:varchar(255);index"`
	VideoTaskID string `gorm:"type:varchar(255);index"`
	MergeTaskID string `gorm:"type:varchar(255);index"`

	ErrorMessage      string
	CreditsCost       int            `gorm:"not null;default:0"`
	SettledUnits      pq.StringArray `gorm:"type:text[]"`
	RegenerationCount int            `gorm:"not null;default:0"`

	Version         int        `gorm:"not null;default:1"`
	LastProcessedAt *time.Time `gorm:"index:idx_workflow_sweep,priority:2"`
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (WorkflowRecord) TableName() string {
	return "workflow_records"
}

func (r *WorkflowRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

func (r *WorkflowRecord) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Params are the user inputs that shape generation.
type Params struct {
	VideoModel   string `json:"video_model,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
	Language     string `json:"language,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
	SegmentCount int    `json:"segment_count,omitempty"`
	VariantIndex int    `json:"variant_index,omitempty"`
	Title        string `json:"title,omitempty"`
}

func (p Params) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Params) Scan(value interface{}) error {
	if value == nil {
		*p = Params{}
		return nil
	}
	return scanJSON(value, p)
}

func (Params) GormDataType() string {
	return "jsonb"
}

// Plan is the creative plan produced by the prompt step and optionally
// edited at the review gate.
type Plan struct {
	ImagePrompt string   `json:"image_prompt,omitempty"`
	VideoPrompt string   `json:"video_prompt,omitempty"`
	Scenes      []string `json:"scenes,omitempty"`
}

func (p Plan) IsZero() bool {
	return p.ImagePrompt == "" && p.VideoPrompt == "" && len(p.Scenes) == 0
}

func (p Plan) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Plan) Scan(value interface{}) error {
	if value == nil {
		*p = Plan{}
		return nil
	}
	return scanJSON(value, p)
}

func (Plan) GormDataType() string {
	return "jsonb"
}
