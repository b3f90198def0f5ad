package repository

import (
	"context"
	"database/sql"
	"strings"

	"gorm.io/gorm"
)

type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository calls the balance stored procedures over SQL. Every
// balance mutation happens inside a procedure so the row lock and the usage
// log insert share one transaction.
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) DeductCredits(ctx context.Context, userID string, amount int, description string) (string, error) {
	var logID sql.NullString
	err := r.db.WithContext(ctx).
		Raw("SELECT deduct_credits(?, ?, ?)", userID, amount, description).
		Scan(&logID).Error
	if err != nil {
		return "", translateLedgerError(err)
	}
	return logID.String, nil
}

func (r *ledgerRepository) RefundCredits(ctx context.Context, userID string, amount int, description, logID string) error {
	var ref interface{}
	if logID != "" {
		ref = logID
	}
	err := r.db.WithContext(ctx).
		Exec("SELECT refund_credits(?, ?, ?, ?)", userID, amount, description, ref).Error
	return translateLedgerError(err)
}

func (r *ledgerRepository) RedeemGiftCode(ctx context.Context, userID, code string) (int, error) {
	var credits sql.NullInt64
	err := r.db.WithContext(ctx).
		Raw("SELECT redeem_giftcode(?, ?)", userID, code).
		Scan(&credits).Error
	if err != nil {
		return 0, translateLedgerError(err)
	}
	return int(credits.Int64), nil
}

func (r *ledgerRepository) CompleteTransaction(ctx context.Context, transactionID string) (bool, error) {
	var applied sql.NullBool
	err := r.db.WithContext(ctx).
		Raw("SELECT complete_transaction(?)", transactionID).
		Scan(&applied).Error
	if err != nil {
		return false, translateLedgerError(err)
	}
	return applied.Bool, nil
}

// translateLedgerError maps exceptions raised by the procedures onto
// sentinels. The procedures raise with fixed message texts.
func translateLedgerError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient credits"):
		return ErrInsufficientCredits
	case strings.Contains(msg, "invalid gift code"),
		strings.Contains(msg, "gift code expired"),
		strings.Contains(msg, "gift code exhausted"),
		strings.Contains(msg, "gift code already redeemed"):
		return ErrInvalidGiftCode
	}
	return translateError(err)
}
