package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRendering SegmentStatus = "rendering"
	SegmentReady     SegmentStatus = "ready"
	SegmentFailed    SegmentStatus = "failed"
)

// Segment is one independently rendered clip of a multi-segment video.
type Segment struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	WorkflowID    uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:idx_segment_position,priority:1"`
	SegmentIndex  int           `gorm:"not null;uniqueIndex:idx_segment_position,priority:2"`
	Status        SegmentStatus `gorm:"type:varchar(32);not null;default:'pending'"`
	Prompt        string
	TaskID        string `gorm:"type:varchar(255);index"`
	VideoURL      string
	FirstFrameURL string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Segment) TableName() string {
	return "workflow_segments"
}

func (s *Segment) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
