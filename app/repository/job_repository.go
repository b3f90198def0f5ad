package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RenderFox/app/models"
)

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a generation job repository backed by GORM.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *models.GenerationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, translateError(err)
	}
	return &job, nil
}

// UpdateStatus is a compare-and-set on the status column. It reports false
// when the row was not in fromStatus anymore.
func (r *jobRepository) UpdateStatus(ctx context.Context, id, fromStatus, toStatus, resultURL, errorMessage string) (bool, error) {
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": time.Now(),
	}
	if resultURL != "" {
		updates["result_url"] = resultURL
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if models.IsTerminalJobStatus(toStatus) {
		updates["completed_at"] = time.Now()
	}
	tx := r.db.WithContext(ctx).Model(&models.GenerationJob{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *jobRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]models.GenerationJob, error) {
	var jobs []models.GenerationJob
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error
	return jobs, err
}
