package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter mounts the system routes first so their middleware (request
// metrics) also sees the API routes.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewSystemRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
