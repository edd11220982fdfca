package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/model"
)

type SegmentRepository struct {
	db *gorm.DB
}

func NewSegmentRepository(db *gorm.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// SegmentCounts aggregates a workflow's segments by status.
type SegmentCounts struct {
	Total     int
	Ready     int
	Failed    int
	Rendering int
}

func (c SegmentCounts) AllReady() bool {
	return c.Total > 0 && c.Ready == c.Total
}

func (r *SegmentRepository) CreateBatch(ctx context.Context, segments []*model.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(segments, 100).Error
}

func (r *SegmentRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]model.Segment, error) {
	var segments []model.Segment
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("segment_index ASC").
		Find(&segments).Error
	return segments, err
}

func (r *SegmentRepository) GetByTaskID(ctx context.Context, taskID string) (*model.Segment, error) {
	var segment model.Segment
	if err := r.db.WithContext(ctx).First(&segment, "task_id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &segment, nil
}

// UpdateIfStatus applies updates only while the segment is in one of the
// expected statuses. It reports whether a row changed.
func (r *SegmentRepository) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected []model.SegmentStatus, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&model.Segment{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *SegmentRepository) DeleteByWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Delete(&model.Segment{}).Error
}

func (r *SegmentRepository) Counts(ctx context.Context, workflowID uuid.UUID) (SegmentCounts, error) {
	var rows []struct {
		Status model.SegmentStatus
		Count  int
	}
	err := r.db.WithContext(ctx).Model(&model.Segment{}).
		Select("status, COUNT(*) AS count").
		Where("workflow_id = ?", workflowID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return SegmentCounts{}, err
	}

	var counts SegmentCounts
	for _, row := range rows {
		counts.Total += row.Count
		switch row.Status {
		case model.SegmentReady:
			counts.Ready = row.Count
		case model.SegmentFailed:
			counts.Failed = row.Count
		case model.SegmentRendering:
			counts.Rendering = row.Count
		}
	}
	return counts, nil
}
