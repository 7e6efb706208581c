package controllers

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"

	"github.com/velopress/velopress/internal/pkg/payments"
)

func TestWebhookStatusForDisposition(t *testing.T) {
	tests := []struct {
		in   payments.Disposition
		want int
	}{
		{in: payments.DispositionRecorded, want: fiber.StatusOK},
		{in: payments.DispositionSkipped, want: fiber.StatusOK},
		{in: payments.DispositionRejectedSignature, want: fiber.StatusUnauthorized},
		{in: payments.DispositionRejectedMalformed, want: fiber.StatusUnprocessableEntity},
		{in: payments.DispositionRejectedUnresolvable, want: fiber.StatusUnprocessableEntity},
		{in: payments.DispositionRetryable, want: fiber.StatusServiceUnavailable},
		{in: payments.Disposition("unknown"), want: fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, webhookStatusForDisposition(tt.in), "disposition %q", tt.in)
	}
}

func TestWebhookResponseBody(t *testing.T) {
	body := webhookResponseBody(payments.Result{Disposition: payments.DispositionRecorded, Created: true})
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["duplicate"])

	body = webhookResponseBody(payments.Result{Disposition: payments.DispositionRecorded, Created: false})
	assert.Equal(t, true, body["duplicate"])

	body = webhookResponseBody(payments.Result{Disposition: payments.DispositionSkipped})
	assert.Equal(t, true, body["ignored"])

	body = webhookResponseBody(payments.Result{
		Disposition: payments.DispositionRejectedUnresolvable,
		Err:         payments.ErrBuyerEmailMissing,
	})
	assert.Equal(t, "unresolvable", body["error"])
	assert.Equal(t, "buyer_email_missing", body["reason"])
}

func TestFirstHeaderValue(t *testing.T) {
	app := fiber.New()
	app.Get("/h", func(c *fiber.Ctx) error {
		return c.SendString(firstHeaderValue(c, "x-square-hmacsha256-signature", "x-square-signature"))
	})

	req := httptest.NewRequest("GET", "/h", nil)
	req.Header.Set("x-square-signature", "legacy")
	resp, err := app.Test(req)
	assert.NoError(t, err)
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "legacy", string(buf[:n]))

	req = httptest.NewRequest("GET", "/h", nil)
	req.Header.Set("x-square-hmacsha256-signature", "current")
	req.Header.Set("x-square-signature", "legacy")
	resp, err = app.Test(req)
	assert.NoError(t, err)
	n, _ = resp.Body.Read(buf)
	assert.Equal(t, "current", string(buf[:n]))
}
