package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/app/repository"
	"github.com/ManuelReschke/RenderFox/internal/pkg/marketing"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tasks"
)

var (
	ErrInsufficientCredits = repository.ErrInsufficientCredits
	ErrInvalidGiftCode     = repository.ErrInvalidGiftCode
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// UserStatus is the spendable view of a profile.
type UserStatus struct {
	Credits         int        `json:"credits"`
	SubscriptionEnd *time.Time `json:"subscription_end"`
	IsExpired       bool       `json:"is_expired"`
	ActivePlanID    string     `json:"active_plan_id,omitempty"`
}

// StatusOptions carry what first-login provisioning needs.
type StatusOptions struct {
	Email    string
	ClientIP string
	Force    bool
}

// CountryResolver is satisfied by *geo.Resolver.
type CountryResolver interface {
	Resolve(ctx context.Context, ip string) string
}

// Deps wires the service.
type Deps struct {
	Profiles     repository.ProfileRepository
	Ledger       repository.LedgerRepository
	Transactions repository.TransactionRepository
	Geo          CountryResolver
	Tasks        tasks.Dispatcher
	// RefreshEvery bounds non-forced status reads per user. Defaults to 2s.
	RefreshEvery time.Duration
	Now          func() time.Time
}

type statusEntry struct {
	limiter   *rate.Limiter
	status    *UserStatus
	fetchedAt time.Time
}

// Service is the credit ledger. All balance changes go through the
// database procedures; the service only adds caching and policy.
type Service struct {
	profiles     repository.ProfileRepository
	ledger       repository.LedgerRepository
	transactions repository.TransactionRepository
	geo          CountryResolver
	tasks        tasks.Dispatcher
	refreshEvery time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*statusEntry
}

const maxCachedUsers = 10000

func NewService(deps Deps) *Service {
	s := &Service{
		profiles:     deps.Profiles,
		ledger:       deps.Ledger,
		transactions: deps.Transactions,
		geo:          deps.Geo,
		tasks:        deps.Tasks,
		refreshEvery: deps.RefreshEvery,
		now:          deps.Now,
		entries:      make(map[string]*statusEntry),
	}
	if s.refreshEvery <= 0 {
		s.refreshEvery = 2 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GetStatus never fails. Repository errors yield the zero status.
func (s *Service) GetStatus(ctx context.Context, userID string, opts StatusOptions) UserStatus {
	if userID == "" {
		return UserStatus{}
	}

	if !opts.Force {
		if cached, ok := s.throttled(userID); ok {
			return cached
		}
	}

	status, err := s.fetch(ctx, userID, opts)
	if err != nil {
		log.Warnf("[Credits] Status for %s unavailable, using safe default: %v", userID, err)
		return UserStatus{}
	}
	s.store(userID, status)
	return status
}

// throttled returns the cached status when the user's limiter has no token.
func (s *Service) throttled(userID string) (UserStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		e = &statusEntry{limiter: rate.NewLimiter(rate.Every(s.refreshEvery), 1)}
		s.entries[userID] = e
	}
	if e.limiter.AllowN(s.now(), 1) || e.status == nil {
		return UserStatus{}, false
	}
	return *e.status, true
}

func (s *Service) store(userID string, status UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= maxCachedUsers {
		s.pruneLocked()
	}
	e, ok := s.entries[userID]
	if !ok {
		e = &statusEntry{limiter: rate.NewLimiter(rate.Every(s.refreshEvery), 1)}
		e.limiter.AllowN(s.now(), 1)
		s.entries[userID] = e
	}
	e.status = &status
	e.fetchedAt = s.now()
}

func (s *Service) pruneLocked() {
	cutoff := s.now().Add(-10 * time.Minute)
	for id, e := range s.entries {
		if e.fetchedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

// Invalidate drops the cached status so the next read hits the database.
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, userID string, opts StatusOptions) (UserStatus, error) {
	profile, err := s.profiles.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		if opts.Email == "" {
			return UserStatus{}, nil
		}
		profile, err = s.provision(ctx, userID, opts)
	}
	if err != nil {
		return UserStatus{}, err
	}

	now := s.now()
	status := UserStatus{
		Credits:         profile.Credits,
		SubscriptionEnd: profile.SubscriptionEnd,
		IsExpired:       profile.IsExpired(now),
	}
	if status.IsExpired {
		status.Credits = 0
		return status, nil
	}

	if s.transactions != nil {
		tx, err := s.transactions.LatestCompletedSubscription(ctx, userID)
		switch {
		case err == nil:
			status.ActivePlanID = tx.PlanID
		case !errors.Is(err, repository.ErrNotFound):
			return UserStatus{}, fmt.Errorf("resolve active plan: %w", err)
		}
	}
	return status, nil
}

func (s *Service) provision(ctx context.Context, userID string, opts StatusOptions) (*models.Profile, error) {
	country := ""
	if s.geo != nil {
		country = s.geo.Resolve(ctx, opts.ClientIP)
	}

	profile := &models.Profile{
		ID:      userID,
		Email:   strings.TrimSpace(opts.Email),
		Credits: models.StarterCredits,
		Country: country,
	}
	created, err := s.profiles.Create(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("provision profile: %w", err)
	}
	if !created {
		// A concurrent first request provisioned the row.
		return s.profiles.GetByID(ctx, userID)
	}

	log.Infof("[Credits] Provisioned profile %s with %d credits (country=%s)", userID, profile.Credits, country)
	if s.tasks != nil {
		event := marketing.NewUserEvent{
			UserID:    userID,
			Email:     profile.Email,
			Country:   country,
			CreatedAt: s.now(),
		}
		if _, err := s.tasks.Enqueue(context.WithoutCancel(ctx), tasks.TypeMarketingNewUser, event); err != nil {
			log.Warnf("[Credits] Could not enqueue marketing event for %s: %v", userID, err)
		}
	}
	return profile, nil
}

// Deduct charges amount and returns the usage log id. Errors are never
// swallowed here.
func (s *Service) Deduct(ctx context.Context, userID string, amount int, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	logID, err := s.ledger.DeductCredits(ctx, userID, amount, description)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return "", err
		}
		return "", fmt.Errorf("deduct credits: %w", err)
	}
	s.Invalidate(userID)
	return logID, nil
}

// Refund is best effort: failures are logged and counted, never returned.
func (s *Service) Refund(ctx context.Context, userID string, amount int, description, logID string) {
	if amount <= 0 {
		return
	}
	if logID == "" {
		log.Warnf("[Credits] Refund of %d for %s without usage log reference", amount, userID)
		metrics.RecordRefund("missing_log", 0)
	}
	if err := s.ledger.RefundCredits(ctx, userID, amount, description, logID); err != nil {
		log.Errorf("[Credits] Refund of %d for %s (log %s) failed: %v", amount, userID, logID, err)
		metrics.RecordRefund("error", 0)
		return
	}
	metrics.RecordRefund("ok", amount)
	s.Invalidate(userID)
}

// RedeemGiftCode adds the voucher's credits and returns them.
func (s *Service) RedeemGiftCode(ctx context.Context, userID, code string) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, ErrInvalidGiftCode
	}
	added, err := s.ledger.RedeemGiftCode(ctx, userID, code)
	if err != nil {
		if errors.Is(err, ErrInvalidGiftCode) {
			return 0, err
		}
		return 0, fmt.Errorf("redeem gift code: %w", err)
	}
	s.Invalidate(userID)
	log.Infof("[Credits] User %s redeemed a gift code for %d credits", userID, added)
	return added, nil
}
