package payments

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/velopress/velopress/internal/pkg/env"
)

// Config carries the webhook processing settings. It is captured once at
// process start and passed into the service explicitly, so tests can inject
// arbitrary secrets without touching the process environment.
type Config struct {
	// WebhookSigningSecret is the pre-shared secret Square signs notification
	// bodies with. Verification fails closed when it is empty.
	WebhookSigningSecret string `validate:"required"`

	// NotificationURL is the exact webhook URL configured in the Square
	// dashboard. Square includes it in the signed message.
	NotificationURL string

	// ProviderName tags ledger rows and webhook event rows.
	ProviderName string `validate:"required"`
}

func NewConfigFromEnv() Config {
	provider := strings.TrimSpace(env.GetEnv("PAYMENT_PROVIDER_NAME", "square"))
	if provider == "" {
		provider = "square"
	}
	return Config{
		WebhookSigningSecret: strings.TrimSpace(env.GetEnv("SQUARE_WEBHOOK_SIGNATURE_SECRET", "")),
		NotificationURL:      strings.TrimSpace(env.GetEnv("SQUARE_WEBHOOK_URL", "")),
		ProviderName:         provider,
	}
}

func (c Config) Validate() error {
	v := validator.New()

	return v.Struct(c)
}
