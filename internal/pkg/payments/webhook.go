package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
)

// Provider event types.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// WebhookResult describes what a delivery changed.
type WebhookResult struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	TransactionID string `json:"transaction_id,omitempty"`
	Duplicate     bool   `json:"duplicate"`
	Completed     bool   `json:"completed"`
}

// HandleWebhook verifies and applies one provider delivery. A delivery
// already processed without error is acknowledged and not applied again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	if !VerifyWebhookSignature(payload, signature, s.cfg.WebhookSecret) {
		metrics.RecordWebhook("invalid_signature")
		return nil, ErrInvalidSignature
	}
	if !gjson.ValidBytes(payload) {
		metrics.RecordWebhook("malformed")
		return nil, ErrMalformedPayload
	}

	doc := gjson.ParseBytes(payload)
	res := &WebhookResult{
		EventID:       strings.TrimSpace(doc.Get("id").String()),
		EventType:     strings.TrimSpace(doc.Get("type").String()),
		TransactionID: strings.TrimSpace(doc.Get("data.transaction_id").String()),
	}
	if res.EventID == "" {
		sum := sha256.Sum256(payload)
		res.EventID = "hash:" + hex.EncodeToString(sum[:])
	}

	created, event, err := s.webhooks.CreateIfNotExists(ctx, &models.PaymentWebhookEvent{
		Provider:        s.cfg.Provider,
		ProviderEventID: res.EventID,
		EventType:       res.EventType,
		Payload:         datatypes.JSON(payload),
		SignatureValid:  true,
	})
	if err != nil {
		metrics.RecordWebhook("error")
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !created && event.ProcessedAt != nil && event.ProcessingError == "" {
		metrics.RecordWebhook("duplicate")
		res.Duplicate = true
		return res, nil
	}

	procErr := s.apply(ctx, doc, res)
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := s.webhooks.MarkProcessed(ctx, event.ID, msg); err != nil {
		log.Errorf("[Payments] Failed to mark webhook %s processed: %v", res.EventID, err)
	}
	if procErr != nil {
		metrics.RecordWebhook("error")
		return res, procErr
	}
	if res.Completed {
		metrics.RecordWebhook("completed")
	} else {
		metrics.RecordWebhook("ok")
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, doc gjson.Result, res *WebhookResult) error {
	switch res.EventType {
	case EventPaymentSucceeded:
		return s.applySucceeded(ctx, doc, res)
	case EventPaymentFailed:
		if res.TransactionID == "" {
			return errors.New("payment.failed without transaction_id")
		}
		ok, err := s.txs.UpdateStatus(ctx, res.TransactionID, models.TransactionStatusPending, models.TransactionStatusFailed)
		if err != nil {
			return fmt.Errorf("fail transaction %s: %w", res.TransactionID, err)
		}
		if !ok {
			log.Infof("[Payments] Transaction %s was no longer pending", res.TransactionID)
		}
		return nil
	default:
		log.Debugf("[Payments] Ignoring webhook event type %q", res.EventType)
		return nil
	}
}

// settleClosed handles money arriving for a transaction that is no longer
// pending. A completed row is a duplicate delivery. A cancelled or failed row
// is reopened and completed, since the provider has confirmed the charge.
// Anything else is returned as an error so the provider retries.
func (s *Service) settleClosed(ctx context.Context, id string) (bool, error) {
	current, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reload transaction %s: %w", id, err)
	}
	switch current.Status {
	case models.TransactionStatusCompleted:
		log.Infof("[Payments] Transaction %s already settled", id)
		return false, nil
	case models.TransactionStatusCancelled, models.TransactionStatusFailed:
		log.Warnf("[Payments] Payment confirmed for %s transaction %s, reopening", current.Status, id)
		reopened, err := s.txs.UpdateStatus(ctx, id, current.Status, models.TransactionStatusPending)
		if err != nil {
			return false, fmt.Errorf("reopen transaction %s: %w", id, err)
		}
		if !reopened {
			return false, fmt.Errorf("transaction %s changed while reopening", id)
		}
		completed, err := s.ledger.CompleteTransaction(ctx, id)
		if err != nil {
			return false, fmt.Errorf("complete transaction %s: %w", id, err)
		}
		if !completed {
			return false, fmt.Errorf("transaction %s not completed after reopening", id)
		}
		return true, nil
	default:
		return false, fmt.Errorf("transaction %s in unexpected status %q", id, current.Status)
	}
}

func (s *Service) applySucceeded(ctx context.Context, doc gjson.Result, res *WebhookResult) error {
	if res.TransactionID == "" {
		return errors.New("payment.succeeded without transaction_id")
	}
	tx, err := s.txs.GetByID(ctx, res.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction %s: %w", res.TransactionID, err)
	}
	if paid := doc.Get("data.amount"); paid.Exists() && paid.Int() < tx.Amount-PriceTolerance {
		return fmt.Errorf("underpaid transaction %s: paid %d of %d", tx.ID, paid.Int(), tx.Amount)
	}

	completed, err := s.ledger.CompleteTransaction(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("complete transaction %s: %w", tx.ID, err)
	}
	if !completed {
		completed, err = s.settleClosed(ctx, tx.ID)
		if err != nil || !completed {
			return err
		}
	}
	res.Completed = true
	if s.credits != nil {
		s.credits.Invalidate(tx.UserID)
	}
	log.Infof("[Payments] Transaction %s completed for %s: +%d credits", tx.ID, tx.UserID, tx.CreditsAdded)
	return nil
}
