package controllers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/velopress/velopress/internal/pkg/mail"
	"github.com/velopress/velopress/internal/pkg/payments"
)

var paymentService *payments.Service

// InitPaymentController wires the webhook pipeline. Called once from the
// router during startup; tests inject a service built on fakes.
func InitPaymentController(svc *payments.Service) {
	paymentService = svc
}

// HandleSquareWebhook ingests one asynchronous payment notification from
// Square. Delivery is at-least-once; the pipeline is idempotent on the
// payment id, so replays and concurrent duplicates are all acknowledged.
func HandleSquareWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "x-square-hmacsha256-signature", "x-square-signature")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := paymentService.ProcessNotification(ctx, rawBody, signature)
	return c.Status(webhookStatusForDisposition(result.Disposition)).JSON(webhookResponseBody(result))
}

// HandleWebhookHealth is the liveness probe for the webhook surface.
func HandleWebhookHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok", "service": "webhooks"})
}

// webhookStatusForDisposition maps terminal pipeline states to the status
// codes Square interprets. 200 means "delivered, do not retry". Malformed and
// unresolvable notifications get 422: retrying cannot fix them, but Square
// retries on any non-2xx, so these deliveries will reappear until the retry
// schedule is exhausted. That is accepted; answering 200 would hide payments
// that moved money with no way to grant access. Transient failures get 503 so
// Square's retry mechanism stays the backstop.
func webhookStatusForDisposition(d payments.Disposition) int {
	switch d {
	case payments.DispositionRecorded, payments.DispositionSkipped:
		return fiber.StatusOK
	case payments.DispositionRejectedSignature:
		return fiber.StatusUnauthorized
	case payments.DispositionRejectedMalformed, payments.DispositionRejectedUnresolvable:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusServiceUnavailable
	}
}

func webhookResponseBody(result payments.Result) fiber.Map {
	switch result.Disposition {
	case payments.DispositionRecorded:
		if result.Created {
			sendPurchaseConfirmation(result)
		}
		return fiber.Map{"ok": true, "duplicate": !result.Created}
	case payments.DispositionSkipped:
		return fiber.Map{"ok": true, "ignored": true}
	case payments.DispositionRejectedSignature:
		return fiber.Map{"error": "invalid_signature"}
	case payments.DispositionRejectedMalformed:
		return fiber.Map{"error": "invalid_payload"}
	case payments.DispositionRejectedUnresolvable:
		return fiber.Map{"error": "unresolvable", "reason": payments.ErrorTag(result.Err)}
	default:
		return fiber.Map{"error": "temporarily_unavailable"}
	}
}

func sendPurchaseConfirmation(result payments.Result) {
	if result.User == nil || result.Book == nil || result.Purchase == nil {
		return
	}
	body := fmt.Sprintf(
		"<p>Thanks for your purchase of <strong>%s</strong>.</p>"+
			"<p>Your access key: <code>%s</code></p>",
		result.Book.Title, result.Purchase.AccessKey,
	)
	// Best-effort; the purchase row is already durable and the key can be
	// fetched through the access API.
	_ = mail.SendMail(result.User.Email, "Your VeloPress purchase", body)
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
