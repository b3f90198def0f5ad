package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/RenderFox/app/controllers"
	apiv1 "github.com/ManuelReschke/RenderFox/internal/api/v1"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiterConfig(h.deps)))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiv1.RegisterHandlers(v1, h.deps.Server, h.deps.Auth)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func limiterConfig(deps Dependencies) limiter.Config {
	max := deps.RateLimit
	if max <= 0 {
		max = 120
	}
	return limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    deps.LimiterStorage,
		// Provider retries must never be throttled.
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/v1/webhooks/")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ratelimit:" + controllers.GetClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests, please slow down",
			})
		},
	}
}
