package router

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedApp(max int) *fiber.App {
	app := fiber.New()
	api := app.Group("/api", limiter.New(limiterConfig(Dependencies{RateLimit: max})))
	api.Get("/v1/tools", func(c *fiber.Ctx) error { return c.SendString("ok") })
	api.Post("/v1/webhooks/payments", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestLimiterRejectsWithJSON(t *testing.T) {
	app := newLimitedApp(1)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/tools", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/tools", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["error"])
}

func TestLimiterKeysByClientIP(t *testing.T) {
	app := newLimitedApp(1)

	for _, ip := range []string{"203.0.113.7", "198.51.100.4"} {
		req := httptest.NewRequest("GET", "/api/v1/tools", nil)
		req.Header.Set("CF-Connecting-IP", ip)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, ip)
	}
}

func TestLimiterSkipsWebhooks(t *testing.T) {
	app := newLimitedApp(1)

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/webhooks/payments", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}

func TestLimiterDefaultMax(t *testing.T) {
	assert.Equal(t, 120, limiterConfig(Dependencies{}).Max)
	assert.Equal(t, 5, limiterConfig(Dependencies{RateLimit: 5}).Max)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("disabled without users", func(t *testing.T) {
		app := fiber.New()
		NewSystemRouter(Dependencies{}).InstallRouter(app)

		resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("basic auth", func(t *testing.T) {
		app := fiber.New()
		NewSystemRouter(Dependencies{MetricsUsers: map[string]string{"ops": "secret"}}).InstallRouter(app)

		resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		req := httptest.NewRequest("GET", "/metrics", nil)
		req.SetBasicAuth("ops", "secret")
		resp, err = app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})
}
