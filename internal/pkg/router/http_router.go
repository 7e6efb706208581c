package router

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/velopress/velopress/app/controllers"
	"github.com/velopress/velopress/internal/pkg/database"
	"github.com/velopress/velopress/internal/pkg/payments"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Payment config is captured once at startup and passed in explicitly,
	// never read ad hoc at verification time.
	cfg := payments.NewConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		// Fail closed per request rather than crashing: deliveries are
		// rejected with a retryable status until the operator fixes the
		// configuration, and Square keeps retrying.
		log.Printf("WARNING: payment webhook configuration incomplete, deliveries will be rejected: %v", err)
	}
	controllers.InitPaymentController(payments.NewServiceFromDB(cfg, database.GetDB()))
	controllers.InitPurchaseController(payments.NewSquareClientFromEnv())

	// Webhook endpoints are authenticated by signature, not by session or
	// token, and stay outside the rate-limited API group: throttling a
	// retrying payment processor only delays purchases.
	app.Post("/webhooks/square", controllers.HandleSquareWebhook)
	// Provider-neutral alias, same handler. Lets the dashboard-configured URL
	// survive a provider rename without re-registering the webhook.
	app.Post("/webhooks/payment", controllers.HandleSquareWebhook)
	app.Get("/webhooks/health", controllers.HandleWebhookHealth)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
