package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

var (
	// ErrNotFound is returned instead of driver specific "no rows" errors.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientCredits is raised by deduct_credits when the balance is too low.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidGiftCode covers unknown, expired, exhausted and already redeemed codes.
	ErrInvalidGiftCode = errors.New("invalid gift code")
)

// ProfileRepository reads and provisions balance rows.
type ProfileRepository interface {
	GetByID(ctx context.Context, id string) (*models.Profile, error)
	// Create inserts the profile unless one already exists; created is false
	// when a concurrent first login won the race.
	Create(ctx context.Context, profile *models.Profile) (created bool, err error)
}

// LedgerRepository wraps the atomic balance stored procedures.
type LedgerRepository interface {
	DeductCredits(ctx context.Context, userID string, amount int, description string) (logID string, err error)
	RefundCredits(ctx context.Context, userID string, amount int, description, logID string) error
	RedeemGiftCode(ctx context.Context, userID, code string) (credits int, err error)
	CompleteTransaction(ctx context.Context, transactionID string) (applied bool, err error)
}

// JobRepository persists generation job lifecycle rows.
type JobRepository interface {
	Create(ctx context.Context, job *models.GenerationJob) error
	GetByID(ctx context.Context, id string) (*models.GenerationJob, error)
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus, resultURL, errorMessage string) (bool, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]models.GenerationJob, error)
}

// HistoryRepository persists completed generations.
type HistoryRepository interface {
	Create(ctx context.Context, item *models.HistoryItem) error
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]models.HistoryItem, int64, error)
	Delete(ctx context.Context, userID, id string) (int64, error)
	DeleteMany(ctx context.Context, userID string, ids []string) (int64, error)
}

// TransactionRepository persists commercial records.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	FindPending(ctx context.Context, userID, planID string) (*models.Transaction, error)
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) (bool, error)
	LatestCompletedSubscription(ctx context.Context, userID string) (*models.Transaction, error)
	CancelStalePending(ctx context.Context, createdBefore time.Time) (int64, error)
}

// WebhookEventRepository stores provider webhook deliveries idempotently.
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// ToolUsageRepository aggregates per tool generation counts.
type ToolUsageRepository interface {
	AddCounts(ctx context.Context, day time.Time, counts map[string]int64) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Profile     ProfileRepository
	Ledger      LedgerRepository
	Job         JobRepository
	History     HistoryRepository
	Transaction TransactionRepository
	Webhook     WebhookEventRepository
	ToolUsage   ToolUsageRepository
}

// Ledger backends selectable via LEDGER_BACKEND.
const (
	LedgerBackendSQL  = "sql"
	LedgerBackendREST = "rest"
)

// NewRepositories creates all repositories on top of the SQL connection.
// With the rest backend, balance reads and mutations go through the
// Supabase REST API instead, so row level security and the database
// functions stay the single authority.
func NewRepositories(db *gorm.DB, remote *supabase.Client, ledgerBackend string) *Repositories {
	repos := &Repositories{
		Profile:     NewProfileRepository(db),
		Ledger:      NewLedgerRepository(db),
		Job:         NewJobRepository(db),
		History:     NewHistoryRepository(db),
		Transaction: NewTransactionRepository(db),
		Webhook:     NewWebhookEventRepository(db),
		ToolUsage:   NewToolUsageRepository(db),
	}
	if ledgerBackend == LedgerBackendREST && remote != nil {
		repos.Profile = NewRemoteProfileRepository(remote)
		repos.Ledger = NewRemoteLedgerRepository(remote)
	}
	return repos
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
