package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/RenderFox/internal/pkg/metrics"
)

// SystemRouter serves request metrics and the Prometheus endpoint.
type SystemRouter struct {
	deps Dependencies
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Use(metrics.Middleware())

	if len(h.deps.MetricsUsers) == 0 {
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: h.deps.MetricsUsers,
	}), adaptor.HTTPHandler(metrics.Handler()))
}

func NewSystemRouter(deps Dependencies) *SystemRouter {
	return &SystemRouter{deps: deps}
}
