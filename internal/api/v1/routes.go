package apiv1

import (
	"regexp"

	"github.com/gofiber/fiber/v2"
)

// Route binds one documented operation to its handler.
type Route struct {
	Method      string
	Path        string // OpenAPI template, e.g. /tools/{tool}/generate
	OperationID string
	// Public routes skip user authentication.
	Public  bool
	Handler fiber.Handler
}

// Routes is the route table of the v1 API.
func Routes(si ServerInterface) []Route {
	return []Route{
		{fiber.MethodGet, "/health", "getHealth", true, si.GetHealth},
		{fiber.MethodGet, "/tools", "listTools", true, si.ListTools},
		{fiber.MethodGet, "/plans", "listPlans", true, si.ListPlans},
		{fiber.MethodPost, "/webhooks/payments", "paymentWebhook", true, si.PaymentWebhook},

		{fiber.MethodGet, "/me/status", "getMyStatus", false, si.GetMyStatus},
		{fiber.MethodPost, "/tools/{tool}/generate", "generate", false, si.Generate},
		{fiber.MethodPost, "/uploads/source", "uploadSource", false, si.UploadSource},
		{fiber.MethodGet, "/history", "listHistory", false, si.ListHistory},
		{fiber.MethodPost, "/history/delete", "deleteHistoryItems", false, si.DeleteHistoryItems},
		{fiber.MethodDelete, "/history/{id}", "deleteHistoryItem", false, si.DeleteHistoryItem},
		{fiber.MethodPost, "/gift-codes/redeem", "redeemGiftCode", false, si.RedeemGiftCode},
		{fiber.MethodPost, "/transactions", "createTransaction", false, si.CreateTransaction},
		{fiber.MethodGet, "/transactions/{id}", "getTransaction", false, si.GetTransaction},
		{fiber.MethodGet, "/transactions/{id}/wait", "waitForTransaction", false, si.WaitForTransaction},
		{fiber.MethodPost, "/timeline/seek", "seekTimeline", false, si.SeekTimeline},
		{fiber.MethodPost, "/timeline/export", "exportTimeline", false, si.ExportTimeline},
	}
}

var pathParam = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// FiberPath converts an OpenAPI path template to fiber syntax.
func FiberPath(p string) string {
	return pathParam.ReplaceAllString(p, ":$1")
}

// RegisterHandlers mounts every route on router. auth runs before all
// non-public routes.
func RegisterHandlers(router fiber.Router, si ServerInterface, auth fiber.Handler) {
	for _, r := range Routes(si) {
		handlers := []fiber.Handler{r.Handler}
		if !r.Public && auth != nil {
			handlers = []fiber.Handler{auth, r.Handler}
		}
		router.Add(r.Method, FiberPath(r.Path), handlers...)
	}
}
