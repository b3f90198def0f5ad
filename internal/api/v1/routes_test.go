package apiv1

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentPath() string {
	return filepath.Join("..", "..", "..", DocumentPath)
}

func TestDocumentIsValid(t *testing.T) {
	doc, err := LoadDocument(context.Background(), documentPath())
	require.NoError(t, err)
	assert.Equal(t, "RenderFox API", doc.Info.Title)
}

func TestRoutesMatchDocument(t *testing.T) {
	doc, err := LoadDocument(context.Background(), documentPath())
	require.NoError(t, err)
	assert.NoError(t, CheckRoutes(doc, Routes(&APIServer{})))
}

func TestCheckRoutesReportsDrift(t *testing.T) {
	doc, err := LoadDocument(context.Background(), documentPath())
	require.NoError(t, err)

	routes := Routes(&APIServer{})
	routes[0].OperationID = "health"
	routes = append(routes[:1], routes[2:]...)
	routes = append(routes, Route{Method: fiber.MethodGet, Path: "/secret", OperationID: "secret"})

	err = CheckRoutes(doc, routes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `GET /health: operationId "getHealth", route says "health"`)
	assert.Contains(t, err.Error(), "unrouted operation GET /tools")
	assert.Contains(t, err.Error(), "undocumented route GET /secret")
}

func TestFiberPath(t *testing.T) {
	assert.Equal(t, "/tools/:tool/generate", FiberPath("/tools/{tool}/generate"))
	assert.Equal(t, "/transactions/:id/wait", FiberPath("/transactions/{id}/wait"))
	assert.Equal(t, "/history", FiberPath("/history"))
}

// stubServer answers with the operation name.
type stubServer struct{}

func reply(name string) fiber.Handler {
	return func(c *fiber.Ctx) error { return c.SendString(name + ":" + c.Params("id") + c.Params("tool")) }
}

func (stubServer) GetHealth(c *fiber.Ctx) error          { return reply("health")(c) }
func (stubServer) ListTools(c *fiber.Ctx) error          { return reply("tools")(c) }
func (stubServer) ListPlans(c *fiber.Ctx) error          { return reply("plans")(c) }
func (stubServer) GetMyStatus(c *fiber.Ctx) error        { return reply("status")(c) }
func (stubServer) Generate(c *fiber.Ctx) error           { return reply("generate")(c) }
func (stubServer) UploadSource(c *fiber.Ctx) error       { return reply("upload")(c) }
func (stubServer) ListHistory(c *fiber.Ctx) error        { return reply("history")(c) }
func (stubServer) DeleteHistoryItem(c *fiber.Ctx) error  { return reply("delete-one")(c) }
func (stubServer) DeleteHistoryItems(c *fiber.Ctx) error { return reply("delete-many")(c) }
func (stubServer) RedeemGiftCode(c *fiber.Ctx) error     { return reply("redeem")(c) }
func (stubServer) CreateTransaction(c *fiber.Ctx) error  { return reply("create-tx")(c) }
func (stubServer) GetTransaction(c *fiber.Ctx) error     { return reply("get-tx")(c) }
func (stubServer) WaitForTransaction(c *fiber.Ctx) error { return reply("wait-tx")(c) }
func (stubServer) SeekTimeline(c *fiber.Ctx) error       { return reply("seek")(c) }
func (stubServer) ExportTimeline(c *fiber.Ctx) error     { return reply("export")(c) }
func (stubServer) PaymentWebhook(c *fiber.Ctx) error     { return reply("webhook")(c) }

func TestRegisterHandlersGuardsPrivateRoutes(t *testing.T) {
	app := fiber.New()
	deny := func(c *fiber.Ctx) error {
		if c.Get("Authorization") == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	}
	RegisterHandlers(app.Group("/api/v1"), stubServer{}, deny)

	tests := []struct {
		method, path string
		auth         bool
		wantStatus   int
		wantBody     string
	}{
		{"GET", "/api/v1/health", false, 200, "health:"},
		{"POST", "/api/v1/webhooks/payments", false, 200, "webhook:"},
		{"GET", "/api/v1/me/status", false, 401, ""},
		{"GET", "/api/v1/me/status", true, 200, "status:"},
		{"POST", "/api/v1/tools/upscale/generate", true, 200, "generate:upscale"},
		{"POST", "/api/v1/history/delete", true, 200, "delete-many:"},
		{"DELETE", "/api/v1/history/42", true, 200, "delete-one:42"},
		{"GET", "/api/v1/transactions/7/wait", true, 200, "wait-tx:7"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth {
				req.Header.Set("Authorization", "Bearer x")
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.wantBody, string(body))
			}
		})
	}
}
