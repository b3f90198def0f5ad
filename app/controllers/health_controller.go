package controllers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthController aggregates dependency checks for load balancers
type HealthController struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

func NewHealthController(checks map[string]HealthCheck) *HealthController {
	return &HealthController{checks: checks, timeout: 2 * time.Second}
}

// HandleHealth answers 200 when every check passes and 503 otherwise.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := fiber.StatusOK
	results := make(fiber.Map, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.UserContext(), hc.timeout)
		err := hc.checks[name](ctx)
		cancel()
		if err != nil {
			status = fiber.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": results})
}
