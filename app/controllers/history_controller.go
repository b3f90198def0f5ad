package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/RenderFox/internal/pkg/history"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

// HistoryService is satisfied by *history.Service.
type HistoryService interface {
	List(ctx context.Context, userID string, page, pageSize int) (history.Page, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteMany(ctx context.Context, userID string, ids []string) (int64, error)
}

// HistoryController serves the caller's generation gallery
type HistoryController struct {
	history HistoryService
}

func NewHistoryController(svc HistoryService) *HistoryController {
	return &HistoryController{history: svc}
}

func (hc *HistoryController) HandleList(c *fiber.Ctx) error {
	page, err := hc.history.List(c.UserContext(), usercontext.GetUserID(c),
		c.QueryInt("page", 1), c.QueryInt("page_size", history.DefaultPageSize))
	if err != nil {
		log.Errorf("[History] List failed: %v", err)
		return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not load history")
	}
	return c.JSON(page)
}

func (hc *HistoryController) HandleDelete(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return apiError(c, fiber.StatusNotFound, "not_found", "History item not found")
	}
	err := hc.history.Delete(c.UserContext(), usercontext.GetUserID(c), id)
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusNoContent)
	case errors.Is(err, history.ErrNotFound):
		return apiError(c, fiber.StatusNotFound, "not_found", "History item not found")
	default:
		log.Errorf("[History] Delete failed: %v", err)
		return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not delete history item")
	}
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=200,dive,uuid"`
}

func (hc *HistoryController) HandleBulkDelete(c *fiber.Ctx) error {
	var req bulkDeleteRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	deleted, err := hc.history.DeleteMany(c.UserContext(), usercontext.GetUserID(c), req.IDs)
	if err != nil {
		if errors.Is(err, history.ErrInvalidItem) {
			return apiError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
		}
		log.Errorf("[History] Bulk delete failed: %v", err)
		return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Could not delete history items")
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}
