package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/payments"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

const (
	defaultWaitTimeout = 25 * time.Second
	maxWaitTimeout     = 60 * time.Second
)

// PaymentService is satisfied by *payments.Service.
type PaymentService interface {
	Plans() []payments.Plan
	CreateTransaction(ctx context.Context, in payments.CreateInput) (*payments.CreateResult, error)
	CheckoutURL(tx *models.Transaction, email string) (string, error)
	GetTransaction(ctx context.Context, userID, txID string) (*models.Transaction, error)
	WaitForCompletion(ctx context.Context, userID, txID string) (*models.Transaction, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*payments.WebhookResult, error)
}

// PaymentController handles plans, checkout and provider callbacks
type PaymentController struct {
	payments PaymentService
}

func NewPaymentController(svc PaymentService) *PaymentController {
	return &PaymentController{payments: svc}
}

func (pc *PaymentController) HandleListPlans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"plans": pc.payments.Plans()})
}

type createTransactionRequest struct {
	PlanID        string `json:"plan_id" validate:"required,max=64"`
	Amount        int64  `json:"amount" validate:"gte=0"`
	PaymentMethod string `json:"payment_method" validate:"max=32"`
	CustomerName  string `json:"customer_name" validate:"max=150"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone string `json:"customer_phone" validate:"max=32"`
}

// HandleCreateTransaction prices the plan server side and returns the
// pending transaction with its checkout URL.
func (pc *PaymentController) HandleCreateTransaction(c *fiber.Ctx) error {
	var req createTransactionRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	userCtx := usercontext.GetUserContext(c)
	email := req.CustomerEmail
	if email == "" {
		email = userCtx.Email
	}

	res, err := pc.payments.CreateTransaction(c.UserContext(), payments.CreateInput{
		UserID:        userCtx.UserID,
		PlanID:        req.PlanID,
		ClientAmount:  req.Amount,
		PaymentMethod: req.PaymentMethod,
		CustomerName:  req.CustomerName,
		CustomerEmail: email,
		CustomerPhone: req.CustomerPhone,
	})
	if err != nil {
		var mismatch *payments.PriceMismatchError
		switch {
		case errors.As(err, &mismatch):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":         "price_out_of_sync",
				"message":       "Prices have changed. Please reload and try again.",
				"client_amount": mismatch.ClientAmount,
				"server_amount": mismatch.ServerAmount,
			})
		case errors.Is(err, payments.ErrUnknownPlan):
			return apiError(c, fiber.StatusNotFound, "unknown_plan", "Plan not found")
		default:
			log.Errorf("[Payments] Create transaction for %s failed: %v", userCtx.UserID, err)
			return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not create transaction")
		}
	}

	checkoutURL, err := pc.payments.CheckoutURL(res.Transaction, email)
	if err != nil {
		log.Errorf("[Payments] Checkout URL for %s failed: %v", res.Transaction.ID, err)
		return apiError(c, fiber.StatusServiceUnavailable, "checkout_unavailable", "Checkout is currently unavailable")
	}

	status := fiber.StatusCreated
	if res.Reused {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"transaction":  res.Transaction,
		"checkout_url": checkoutURL,
		"reused":       res.Reused,
	})
}

func (pc *PaymentController) HandleGetTransaction(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return apiError(c, fiber.StatusNotFound, "not_found", "Transaction not found")
	}
	tx, err := pc.payments.GetTransaction(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return transactionError(c, err)
	}
	return c.JSON(tx)
}

// HandleWaitTransaction long-polls until the transaction leaves pending or
// ?timeout= seconds pass. A timeout is not an error: the pending
// transaction is returned with completed=false.
func (pc *PaymentController) HandleWaitTransaction(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return apiError(c, fiber.StatusNotFound, "not_found", "Transaction not found")
	}

	timeout := time.Duration(c.QueryInt("timeout", int(defaultWaitTimeout/time.Second))) * time.Second
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
	defer cancel()

	tx, err := pc.payments.WaitForCompletion(ctx, usercontext.GetUserID(c), id)
	if err != nil && !(tx != nil && errors.Is(err, context.DeadlineExceeded)) {
		return transactionError(c, err)
	}
	return c.JSON(fiber.Map{
		"transaction": tx,
		"completed":   tx.Status == models.TransactionStatusCompleted,
	})
}

func transactionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, payments.ErrNotFound) {
		return apiError(c, fiber.StatusNotFound, "not_found", "Transaction not found")
	}
	log.Errorf("[Payments] Transaction lookup failed: %v", err)
	return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not load transaction")
}

// Signature headers accepted from the provider, first match wins.
var signatureHeaders = []string{"X-Webhook-Signature", "X-Signature", "X-Payment-Signature"}

// HandlePaymentWebhook verifies and applies a provider delivery. Anything
// but 2xx makes the provider retry, so permanent rejections use 4xx and
// transient failures 5xx.
func (pc *PaymentController) HandlePaymentWebhook(c *fiber.Ctx) error {
	signature := ""
	for _, h := range signatureHeaders {
		if signature = c.Get(h); signature != "" {
			break
		}
	}

	payload := append([]byte(nil), c.Body()...)
	res, err := pc.payments.HandleWebhook(c.UserContext(), payload, signature)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"received": true, "duplicate": res.Duplicate, "completed": res.Completed})
	case errors.Is(err, payments.ErrInvalidSignature):
		return apiError(c, fiber.StatusUnauthorized, "invalid_signature", "Signature verification failed")
	case errors.Is(err, payments.ErrMalformedPayload):
		return apiError(c, fiber.StatusBadRequest, "bad_request", "Malformed payload")
	case errors.Is(err, payments.ErrNotConfigured):
		return apiError(c, fiber.StatusServiceUnavailable, "not_configured", "Payment webhooks are not configured")
	default:
		log.Errorf("[Payments] Webhook processing failed: %v", err)
		return apiError(c, fiber.StatusInternalServerError, "processing_failed", "Webhook could not be processed")
	}
}
