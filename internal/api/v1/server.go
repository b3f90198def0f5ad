package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/RenderFox/app/controllers"
)

// ServerInterface lists one handler per operation in openapi.yml.
type ServerInterface interface {
	GetHealth(c *fiber.Ctx) error
	ListTools(c *fiber.Ctx) error
	ListPlans(c *fiber.Ctx) error
	GetMyStatus(c *fiber.Ctx) error
	Generate(c *fiber.Ctx) error
	UploadSource(c *fiber.Ctx) error
	ListHistory(c *fiber.Ctx) error
	DeleteHistoryItem(c *fiber.Ctx) error
	DeleteHistoryItems(c *fiber.Ctx) error
	RedeemGiftCode(c *fiber.Ctx) error
	CreateTransaction(c *fiber.Ctx) error
	GetTransaction(c *fiber.Ctx) error
	WaitForTransaction(c *fiber.Ctx) error
	SeekTimeline(c *fiber.Ctx) error
	ExportTimeline(c *fiber.Ctx) error
	PaymentWebhook(c *fiber.Ctx) error
}

// APIServer implements the ServerInterface by delegating to controllers
type APIServer struct {
	Health     *controllers.HealthController
	Account    *controllers.AccountController
	Generation *controllers.GenerationController
	Upload     *controllers.UploadController
	History    *controllers.HistoryController
	Payment    *controllers.PaymentController
	Timeline   *controllers.TimelineController
}

var _ ServerInterface = (*APIServer)(nil)

func (s *APIServer) GetHealth(c *fiber.Ctx) error { return s.Health.HandleHealth(c) }

func (s *APIServer) ListTools(c *fiber.Ctx) error { return s.Generation.HandleListTools(c) }

func (s *APIServer) ListPlans(c *fiber.Ctx) error { return s.Payment.HandleListPlans(c) }

func (s *APIServer) GetMyStatus(c *fiber.Ctx) error { return s.Account.HandleGetStatus(c) }

func (s *APIServer) Generate(c *fiber.Ctx) error { return s.Generation.HandleGenerate(c) }

func (s *APIServer) UploadSource(c *fiber.Ctx) error { return s.Upload.HandleUploadSource(c) }

func (s *APIServer) ListHistory(c *fiber.Ctx) error { return s.History.HandleList(c) }

func (s *APIServer) DeleteHistoryItem(c *fiber.Ctx) error { return s.History.HandleDelete(c) }

func (s *APIServer) DeleteHistoryItems(c *fiber.Ctx) error { return s.History.HandleBulkDelete(c) }

func (s *APIServer) RedeemGiftCode(c *fiber.Ctx) error { return s.Account.HandleRedeemGiftCode(c) }

func (s *APIServer) CreateTransaction(c *fiber.Ctx) error { return s.Payment.HandleCreateTransaction(c) }

func (s *APIServer) GetTransaction(c *fiber.Ctx) error { return s.Payment.HandleGetTransaction(c) }

func (s *APIServer) WaitForTransaction(c *fiber.Ctx) error { return s.Payment.HandleWaitTransaction(c) }

func (s *APIServer) SeekTimeline(c *fiber.Ctx) error { return s.Timeline.HandleSeek(c) }

func (s *APIServer) ExportTimeline(c *fiber.Ctx) error { return s.Timeline.HandleExport(c) }

// PaymentWebhook is authenticated by the payload signature, not a user token.
func (s *APIServer) PaymentWebhook(c *fiber.Ctx) error { return s.Payment.HandlePaymentWebhook(c) }
