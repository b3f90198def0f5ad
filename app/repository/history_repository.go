package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RenderFox/app/models"
)

type historyRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a history repository backed by GORM.
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{db: db}
}

func (r *historyRepository) Create(ctx context.Context, item *models.HistoryItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// ListByUser returns a page newest first and the user's total item count.
func (r *historyRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]models.HistoryItem, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.HistoryItem{}).
		Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []models.HistoryItem
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *historyRepository) Delete(ctx context.Context, userID, id string) (int64, error) {
	tx := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.HistoryItem{})
	return tx.RowsAffected, tx.Error
}

func (r *historyRepository) DeleteMany(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).Where("user_id = ? AND id IN ?", userID, ids).Delete(&models.HistoryItem{})
	return tx.RowsAffected, tx.Error
}
