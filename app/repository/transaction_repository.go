package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RenderFox/app/models"
)

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a transaction repository backed by GORM.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, translateError(err)
	}
	return &t, nil
}

func (r *transactionRepository) FindPending(ctx context.Context, userID, planID string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, models.TransactionStatusPending).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &t, nil
}

func (r *transactionRepository) UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) (bool, error) {
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": time.Now(),
	}
	if toStatus == models.TransactionStatusCompleted {
		updates["completed_at"] = time.Now()
	}
	tx := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *transactionRepository) LatestCompletedSubscription(ctx context.Context, userID string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND status = ?", userID, models.TransactionTypeSubscription, models.TransactionStatusCompleted).
		Order("completed_at DESC NULLS LAST").
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &t, nil
}

func (r *transactionRepository) CancelStalePending(ctx context.Context, createdBefore time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("status = ? AND created_at < ?", models.TransactionStatusPending, createdBefore).
		Updates(map[string]interface{}{
			"status":     models.TransactionStatusCancelled,
			"updated_at": time.Now(),
		})
	return tx.RowsAffected, tx.Error
}
