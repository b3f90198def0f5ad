package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/app/repository"
	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// PriceTolerance is the largest accepted difference, in minor units,
// between the client's displayed price and the server price.
const PriceTolerance = 1000

var (
	ErrUnknownPlan      = errors.New("unknown plan")
	ErrPriceOutOfSync   = errors.New("price out of sync")
	ErrNotFound         = repository.ErrNotFound
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("payments are not configured")
	ErrMalformedPayload = errors.New("webhook payload is not valid JSON")
)

// PriceMismatchError carries both prices of a rejected transaction.
type PriceMismatchError struct {
	ClientAmount int64
	ServerAmount int64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price out of sync: client %d, server %d", e.ClientAmount, e.ServerAmount)
}

func (e *PriceMismatchError) Is(target error) bool {
	return target == ErrPriceOutOfSync
}

// CacheInvalidator drops cached credit status after a top-up.
type CacheInvalidator interface {
	Invalidate(userID string)
}

// Config of the payment provider integration.
type Config struct {
	Provider      string
	CheckoutURL   string
	WebhookSecret string
	PollInterval  time.Duration
}

func LoadConfig() Config {
	return Config{
		Provider:      env.GetEnv("PAYMENT_PROVIDER", "checkout"),
		CheckoutURL:   env.GetEnv("PAYMENT_CHECKOUT_URL", ""),
		WebhookSecret: env.GetEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PollInterval:  env.GetEnvDuration("PAYMENT_POLL_INTERVAL", 5*time.Second),
	}
}

type Deps struct {
	Catalog      *Catalog
	Transactions repository.TransactionRepository
	Webhooks     repository.WebhookEventRepository
	Ledger       repository.LedgerRepository
	Credits      CacheInvalidator
	Watcher      Watcher
	Config       Config
	Now          func() time.Time
}

type Service struct {
	catalog  *Catalog
	txs      repository.TransactionRepository
	webhooks repository.WebhookEventRepository
	ledger   repository.LedgerRepository
	credits  CacheInvalidator
	watcher  Watcher
	cfg      Config
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Catalog == nil {
		d.Catalog = NewCatalog(DefaultPlans)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Config.PollInterval <= 0 {
		d.Config.PollInterval = 5 * time.Second
	}
	return &Service{
		catalog:  d.Catalog,
		txs:      d.Transactions,
		webhooks: d.Webhooks,
		ledger:   d.Ledger,
		credits:  d.Credits,
		watcher:  d.Watcher,
		cfg:      d.Config,
		now:      d.Now,
	}
}

func (s *Service) Plans() []Plan {
	return s.catalog.List()
}

// CreateInput is a checkout request. ClientAmount is what the user was
// shown; it is compared but never stored.
type CreateInput struct {
	UserID        string
	PlanID        string
	ClientAmount  int64
	PaymentMethod string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// CreateResult reports whether an existing pending transaction was reused.
type CreateResult struct {
	Transaction *models.Transaction
	Reused      bool
}

// CreateTransaction recomputes the price and inserts a pending transaction.
// A pending transaction for the same plan is reused when its amount still
// matches, otherwise cancelled and replaced.
func (s *Service) CreateTransaction(ctx context.Context, in CreateInput) (*CreateResult, error) {
	plan, ok := s.catalog.Lookup(in.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, in.PlanID)
	}

	serverAmount := plan.PriceMinor
	if diff := in.ClientAmount - serverAmount; diff > PriceTolerance || diff < -PriceTolerance {
		log.Warnf("[Payments] Price mismatch for %s on %s: client %d, server %d", in.UserID, plan.ID, in.ClientAmount, serverAmount)
		return nil, &PriceMismatchError{ClientAmount: in.ClientAmount, ServerAmount: serverAmount}
	}

	pending, err := s.txs.FindPending(ctx, in.UserID, plan.ID)
	switch {
	case err == nil && pending.Amount == serverAmount:
		return &CreateResult{Transaction: pending, Reused: true}, nil
	case err == nil:
		if _, err := s.txs.UpdateStatus(ctx, pending.ID, models.TransactionStatusPending, models.TransactionStatusCancelled); err != nil {
			return nil, fmt.Errorf("cancel outdated transaction: %w", err)
		}
		log.Infof("[Payments] Cancelled outdated pending transaction %s (%d != %d)", pending.ID, pending.Amount, serverAmount)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("find pending transaction: %w", err)
	}

	id := uuid.New()
	tx := &models.Transaction{
		ID:              id.String(),
		UserID:          in.UserID,
		PlanID:          plan.ID,
		PlanName:        plan.Name,
		Amount:          serverAmount,
		Currency:        plan.Currency,
		Type:            plan.Type,
		CreditsAdded:    plan.Credits,
		Status:          models.TransactionStatusPending,
		PaymentMethod:   strings.TrimSpace(in.PaymentMethod),
		TransactionCode: TransactionCode(id),
		CustomerName:    strings.TrimSpace(in.CustomerName),
		CustomerEmail:   strings.TrimSpace(in.CustomerEmail),
		CustomerPhone:   strings.TrimSpace(in.CustomerPhone),
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return &CreateResult{Transaction: tx}, nil
}

// TransactionCode is the short reference shown on bank transfers.
func TransactionCode(id uuid.UUID) string {
	return "RF" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:10])
}

// emailAliases are all set since checkout forms differ in the field they
// prefill from.
var emailAliases = []string{"email", "customer_email", "prefilled_email", "billing_email"}

// CheckoutURL builds the provider redirect for tx.
func (s *Service) CheckoutURL(tx *models.Transaction, email string) (string, error) {
	if s.cfg.CheckoutURL == "" {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(s.cfg.CheckoutURL)
	if err != nil {
		return "", fmt.Errorf("parse checkout url: %w", err)
	}
	q := u.Query()
	q.Set("transaction_id", tx.ID)
	q.Set("transaction_code", tx.TransactionCode)
	q.Set("amount", strconv.FormatInt(tx.Amount, 10))
	q.Set("currency", tx.Currency)
	if email = strings.TrimSpace(email); email != "" {
		for _, alias := range emailAliases {
			q.Set(alias, email)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetTransaction returns tx only to its owner.
func (s *Service) GetTransaction(ctx context.Context, userID, txID string) (*models.Transaction, error) {
	tx, err := s.txs.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrNotFound
	}
	return tx, nil
}

// CancelStalePending cancels pending transactions older than olderThan.
func (s *Service) CancelStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.txs.CancelStalePending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cancel stale transactions: %w", err)
	}
	if n > 0 {
		log.Infof("[Payments] Cancelled %d stale pending transactions", n)
	}
	return n, nil
}
