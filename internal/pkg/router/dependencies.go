package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/RenderFox/internal/api/v1"
)

// Dependencies are built in cmd/renderfox and shared by the routers.
type Dependencies struct {
	Server *apiv1.APIServer
	// Auth authenticates non-public API routes.
	Auth fiber.Handler
	// LimiterStorage shares rate limit counters between instances. nil
	// keeps them in memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	// MetricsUsers protects /metrics with basic auth. Empty disables the
	// endpoint.
	MetricsUsers map[string]string
}
