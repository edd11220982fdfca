package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/adflow/adflow/pkg/model"
)

// ErrStaleRecord is returned when a conditional update matched no row
// because another writer advanced the record first.
var ErrStaleRecord = errors.New("workflow record was modified concurrently")

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// CreateWithOutbox inserts records and their creation events atomically.
func (r *WorkflowRepository) CreateWithOutbox(ctx context.Context, records []*model.WorkflowRecord, events []*model.WorkflowEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		}
		for _, event := range events {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	var record model.WorkflowRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByTaskID finds the record currently holding taskID in any of its
// task id columns.
func (r *WorkflowRepository) GetByTaskID(ctx context.Context, taskID string) (*model.WorkflowRecord, error) {
	var record model.WorkflowRecord
	err := r.db.WithContext(ctx).
		Where("cover_task_id = ? OR video_task_id = ? OR merge_task_id = ?", taskID, taskID, taskID).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *WorkflowRepository) List(ctx context.Context, userID string, variant *model.Variant, limit, offset int) ([]model.WorkflowRecord, int64, error) {
	var records []model.WorkflowRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WorkflowRecord{}).Where("user_id = ?", userID)
	if variant != nil {
		query = query.Where("variant = ?", *variant)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error

	return records, total, err
}

func (r *WorkflowRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]model.WorkflowRecord, error) {
	var records []model.WorkflowRecord
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// ListSweepCandidates returns pending and in-progress records not processed
// since before, oldest first.
func (r *WorkflowRepository) ListSweepCandidates(ctx context.Context, before time.Time, limit int) ([]model.WorkflowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []model.WorkflowRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.Status{model.StatusPending, model.StatusInProgress}).
		Where("last_processed_at IS NULL OR last_processed_at < ?", before).
		Order("last_processed_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// UpdateWithOutbox applies updates only if the record still has the version
// the caller read, bumps the version and appends event in the same
// transaction. A nil event skips the outbox write.
func (r *WorkflowRepository) UpdateWithOutbox(ctx context.Context, record *model.WorkflowRecord, updates map[string]interface{}, event *model.WorkflowEvent) error {
	if updates == nil {
		updates = make(map[string]interface{})
	}
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.WorkflowRecord{}).
			Where("id = ? AND version = ?", record.ID, record.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleRecord
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Touch records that the record was looked at without counting as a
// transition, so it does not bump the version.
func (r *WorkflowRepository) Touch(ctx context.Context, record *model.WorkflowRecord, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.WorkflowRecord{}).
		Where("id = ? AND version = ?", record.ID, record.Version).
		UpdateColumn("last_processed_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRecord
	}
	return nil
}
