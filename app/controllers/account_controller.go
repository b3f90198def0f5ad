package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/internal/pkg/credits"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

// AccountService is the part of *credits.Service the account endpoints use.
type AccountService interface {
	GetStatus(ctx context.Context, userID string, opts credits.StatusOptions) credits.UserStatus
	RedeemGiftCode(ctx context.Context, userID, code string) (int, error)
}

// AccountController serves balance and gift code endpoints
type AccountController struct {
	credits AccountService
}

func NewAccountController(svc AccountService) *AccountController {
	return &AccountController{credits: svc}
}

// HandleGetStatus returns the spendable balance. ?force=1 bypasses the
// per-user refresh limit.
func (ac *AccountController) HandleGetStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	force := c.QueryBool("force", false)

	status := ac.credits.GetStatus(c.UserContext(), userCtx.UserID, credits.StatusOptions{
		Email:    userCtx.Email,
		ClientIP: GetClientIP(c),
		Force:    force,
	})

	return c.JSON(fiber.Map{
		"user_id":          userCtx.UserID,
		"email":            userCtx.Email,
		"credits":          status.Credits,
		"subscription_end": formatTimePtr(status.SubscriptionEnd),
		"is_expired":       status.IsExpired,
		"active_plan_id":   status.ActivePlanID,
	})
}

type redeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// HandleRedeemGiftCode credits a voucher to the caller.
func (ac *AccountController) HandleRedeemGiftCode(c *fiber.Ctx) error {
	var req redeemRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return apiError(c, fiber.StatusBadRequest, "validation_failed", "code is required")
	}

	userID := usercontext.GetUserID(c)
	added, err := ac.credits.RedeemGiftCode(c.UserContext(), userID, code)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidGiftCode) {
			return apiError(c, fiber.StatusUnprocessableEntity, "invalid_gift_code", "This gift code is invalid, expired or already used")
		}
		log.Errorf("[Account] Redeem %s for %s failed: %v", code, userID, err)
		return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not redeem gift code")
	}

	status := ac.credits.GetStatus(c.UserContext(), userID, credits.StatusOptions{Force: true})
	return c.JSON(fiber.Map{
		"credits_added": added,
		"credits":       status.Credits,
	})
}
