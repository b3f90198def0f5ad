package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/supabase"
)

// Watcher delivers status changes of one transaction row.
type Watcher interface {
	Watch(ctx context.Context, txID string, onStatus func(status string)) (unsubscribe func(), err error)
}

// RealtimeWatcher listens to UPDATEs of the transactions table.
type RealtimeWatcher struct {
	Client *supabase.RealtimeClient
}

func (w *RealtimeWatcher) Watch(ctx context.Context, txID string, onStatus func(status string)) (func(), error) {
	ch, err := w.Client.SubscribeToPostgresChanges(ctx, supabase.PostgresChangesConfig{
		Event:  "UPDATE",
		Schema: "public",
		Table:  "transactions",
		Filter: "id=eq." + txID,
	}, func(change supabase.Change) {
		onStatus(change.Record.Get("status").String())
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := ch.Unsubscribe(); err != nil {
			log.Debugf("[Payments] Unsubscribe %s: %v", txID, err)
		}
	}, nil
}

// WatchTransaction calls onCompleted exactly once, the first time the
// transaction is reported completed. The caller must call unsubscribe.
func (s *Service) WatchTransaction(ctx context.Context, txID string, onCompleted func()) (func(), error) {
	if s.watcher == nil {
		return nil, ErrNotConfigured
	}
	var once sync.Once
	return s.watcher.Watch(ctx, txID, func(status string) {
		if status == models.TransactionStatusCompleted {
			once.Do(onCompleted)
		}
	})
}

// WaitForCompletion blocks until the user's transaction leaves pending or
// ctx ends. The row is re-read after subscribing and on every poll tick, so
// an update missed by the realtime channel is still seen. On ctx expiry
// the last read transaction is returned together with ctx.Err().
func (s *Service) WaitForCompletion(ctx context.Context, userID, txID string) (*models.Transaction, error) {
	tx, err := s.GetTransaction(ctx, userID, txID)
	if err != nil {
		return nil, err
	}
	if !tx.IsPending() {
		return tx, nil
	}

	signal := make(chan struct{}, 1)
	if s.watcher != nil {
		unsubscribe, err := s.WatchTransaction(ctx, txID, func() {
			select {
			case signal <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Warnf("[Payments] Realtime watch for %s unavailable, polling only: %v", txID, err)
		} else {
			defer unsubscribe()
		}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Re-check right away: the update may have landed before the
		// subscription was joined.
		latest, err := s.txs.GetByID(ctx, txID)
		if err != nil {
			if ctx.Err() != nil {
				return tx, ctx.Err()
			}
			return tx, fmt.Errorf("reload transaction: %w", err)
		}
		tx = latest
		if !tx.IsPending() {
			return tx, nil
		}

		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-signal:
		case <-ticker.C:
		}
	}
}
