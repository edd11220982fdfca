package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const (
	EventWorkflowCreated     = "workflow.created"
	EventWorkflowStepChanged = "workflow.step_changed"
	EventWorkflowCompleted   = "workflow.completed"
	EventWorkflowFailed      = "workflow.failed"
	EventWorkflowRegenerated = "workflow.regenerated"
)

// WorkflowEvent is an outbox row written in the same transaction as the
// record transition it describes.
type WorkflowEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkflowID  uuid.UUID `gorm:"type:uuid;index"`
	EventType   string    `gorm:"not null"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending';index"`
	CreatedAt   time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt *time.Time
}

func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

func (e *WorkflowEvent) BeforeCreate(tx *gorm.DB) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return nil
}
