package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RenderFox/internal/pkg/generation"
	"github.com/ManuelReschke/RenderFox/internal/pkg/jobtracker"
	"github.com/ManuelReschke/RenderFox/internal/pkg/metering"
	"github.com/ManuelReschke/RenderFox/internal/pkg/tools"
	"github.com/ManuelReschke/RenderFox/internal/pkg/usercontext"
)

// GenerationRunner is satisfied by *metering.Orchestrator.
type GenerationRunner interface {
	Run(ctx context.Context, req metering.Request) (*metering.Outcome, error)
}

// GenerationProvider is satisfied by *generation.Client.
type GenerationProvider interface {
	CreateTask(ctx context.Context, endpoint string, payload interface{}) (*generation.TaskResult, error)
	PollTask(ctx context.Context, taskID string, opts generation.PollOptions) (string, error)
	PollDefaults() generation.PollOptions
}

// GenerationController exposes the tool catalog and metered generations
type GenerationController struct {
	catalog  *tools.Catalog
	runner   GenerationRunner
	provider GenerationProvider
}

func NewGenerationController(catalog *tools.Catalog, runner GenerationRunner, provider GenerationProvider) *GenerationController {
	return &GenerationController{catalog: catalog, runner: runner, provider: provider}
}

// HandleListTools returns the catalog with current costs.
func (gc *GenerationController) HandleListTools(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tools": gc.catalog.List()})
}

type generateRequest struct {
	Prompt    string                 `json:"prompt" validate:"max=4000"`
	SourceURL string                 `json:"source_url" validate:"omitempty,url"`
	Params    map[string]interface{} `json:"params"`
}

// HandleGenerate runs one metered generation for the tool in the path.
func (gc *GenerationController) HandleGenerate(c *fiber.Ctx) error {
	tool, err := gc.catalog.Lookup(c.Params("tool"))
	if err != nil {
		return apiError(c, fiber.StatusNotFound, "unknown_tool", "Tool not found")
	}

	var req generateRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	if tool.NeedsSource && req.SourceURL == "" {
		return apiError(c, fiber.StatusBadRequest, "validation_failed", "source_url is required for "+tool.ID)
	}
	if !tool.NeedsSource && req.Prompt == "" {
		return apiError(c, fiber.StatusBadRequest, "validation_failed", "prompt is required for "+tool.ID)
	}

	userCtx := usercontext.GetUserContext(c)
	outcome, err := gc.runner.Run(c.UserContext(), metering.Request{
		UserID:    userCtx.UserID,
		Email:     userCtx.Email,
		Tool:      tool,
		Prompt:    req.Prompt,
		SourceURL: req.SourceURL,
		Params:    req.Params,
		Work:      gc.work(tool, req),
	})
	if err == nil {
		return c.JSON(outcome)
	}
	return generationError(c, outcome, err)
}

// work builds the provider call for one attempt. Async tools return a task
// id that is polled until the media URL is available.
func (gc *GenerationController) work(tool tools.Tool, req generateRequest) metering.WorkFunc {
	return func(ctx context.Context) (string, error) {
		payload := make(map[string]interface{}, len(req.Params)+2)
		for k, v := range req.Params {
			payload[k] = v
		}
		if req.Prompt != "" {
			payload["prompt"] = req.Prompt
		}
		if req.SourceURL != "" {
			payload["image_url"] = req.SourceURL
		}

		res, err := gc.provider.CreateTask(ctx, tool.Endpoint, payload)
		if err != nil {
			return "", err
		}
		if res.ResultURL != "" && !tool.Async {
			return res.ResultURL, nil
		}
		if res.TaskID == "" {
			if res.ResultURL != "" {
				return res.ResultURL, nil
			}
			return "", generation.ErrNoResult
		}
		return gc.provider.PollTask(ctx, res.TaskID, gc.provider.PollDefaults())
	}
}

func generationError(c *fiber.Ctx, outcome *metering.Outcome, err error) error {
	body := fiber.Map{"error": "generation_failed", "message": "Generation failed"}
	if outcome != nil {
		body["outcome"] = outcome
		if outcome.Message != "" {
			body["message"] = outcome.Message
		}
	}

	status := fiber.StatusBadGateway
	switch {
	case errors.Is(err, metering.ErrAttemptInFlight):
		status = fiber.StatusConflict
		body["error"] = "attempt_in_flight"
		body["message"] = "A generation with this tool is already running"
	case errors.Is(err, metering.ErrInsufficientCredits):
		status = fiber.StatusPaymentRequired
		body["error"] = string(jobtracker.KindInsufficientCredits)
	case errors.Is(err, metering.ErrDeductFailed):
		body["error"] = "deduct_failed"
	case errors.Is(err, metering.ErrGenerationFailed) && outcome != nil:
		switch outcome.ErrorKind {
		case jobtracker.KindSafetyViolation:
			status = fiber.StatusUnprocessableEntity
		case jobtracker.KindTimeout:
			status = fiber.StatusGatewayTimeout
		}
		body["error"] = string(outcome.ErrorKind)
	default:
		log.Errorf("[Generation] Unexpected orchestrator error: %v", err)
		status = fiber.StatusInternalServerError
		body["error"] = "internal_server_error"
	}
	return c.Status(status).JSON(body)
}
