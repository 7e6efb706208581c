package payments

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// EventType classifies an inbound webhook delivery. Event types the system
// does not understand map to EventOther instead of failing, because Square
// may introduce new types at any time.
type EventType string

const (
	EventPaymentUpdated   EventType = "payment.updated"
	EventTestNotification EventType = "test.notification"
	EventOther            EventType = "other"
)

// PaymentStatus is the normalized payment state. Only StatusCompleted ever
// reaches the purchase ledger.
type PaymentStatus string

const (
	StatusCompleted PaymentStatus = "completed"
	StatusPending   PaymentStatus = "pending"
	StatusFailed    PaymentStatus = "failed"
	StatusCanceled  PaymentStatus = "canceled"
	StatusOther     PaymentStatus = "other"
)

// PaymentNotification is the minimal view of one webhook delivery the
// pipeline needs. It is transient and never persisted as-is.
type PaymentNotification struct {
	EventType        EventType
	EventID          string
	PaymentID        string
	PaymentStatus    PaymentStatus
	BuyerEmail       string
	BookID           uint
	OrderID          string
	AmountMinorUnits int64
	CurrencyCode     string
}

// ParseSquareNotification decodes an authenticated webhook body. It fails
// only when the body is not valid JSON; missing buyer email or book metadata
// is reported later by the resolver so incomplete notifications stay
// distinguishable from malformed ones.
func ParseSquareNotification(payload []byte) (*PaymentNotification, error) {
	type moneyData struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	type paymentData struct {
		ID                string            `json:"id"`
		Status            string            `json:"status"`
		OrderID           string            `json:"order_id"`
		BuyerEmailAddress string            `json:"buyer_email_address"`
		AmountMoney       moneyData         `json:"amount_money"`
		Metadata          map[string]string `json:"metadata"`
		BillingAddress    struct {
			EmailAddress string `json:"email_address"`
		} `json:"billing_address"`
	}
	type rawEnvelope struct {
		MerchantID string `json:"merchant_id"`
		Type       string `json:"type"`
		EventID    string `json:"event_id"`
		Data       struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			Object struct {
				Payment paymentData `json:"payment"`
			} `json:"object"`
		} `json:"data"`
	}

	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, ErrMalformedPayload
	}

	out := &PaymentNotification{
		EventType:     normalizeEventType(raw.Type),
		EventID:       strings.TrimSpace(raw.EventID),
		PaymentStatus: StatusOther,
	}

	p := raw.Data.Object.Payment
	out.PaymentID = strings.TrimSpace(p.ID)
	out.OrderID = strings.TrimSpace(p.OrderID)
	out.PaymentStatus = normalizePaymentStatus(p.Status)
	out.AmountMinorUnits = p.AmountMoney.Amount
	out.CurrencyCode = strings.TrimSpace(p.AmountMoney.Currency)

	// Buyer email: Square scatters it across payload variants.
	out.BuyerEmail = firstNonEmpty(
		p.BuyerEmailAddress,
		p.BillingAddress.EmailAddress,
		p.Metadata["user_email"],
	)

	// Book reference travels in payment metadata when the checkout link was
	// created by us.
	out.BookID = parseBookID(p.Metadata["book_id"])

	return out, nil
}

func normalizeEventType(t string) EventType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "payment.updated":
		return EventPaymentUpdated
	case "test.notification":
		return EventTestNotification
	default:
		return EventOther
	}
}

func normalizePaymentStatus(s string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED":
		return StatusCompleted
	case "PENDING", "APPROVED":
		return StatusPending
	case "FAILED":
		return StatusFailed
	case "CANCELED":
		return StatusCanceled
	default:
		return StatusOther
	}
}

func parseBookID(s string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

// parseOrderNote extracts the backup identifiers stored in a Square order
// note of the form "book_id:123|email:user@example.com".
func parseOrderNote(note string) (bookID uint, email string) {
	for _, part := range strings.Split(note, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "book_id":
			if bookID == 0 {
				bookID = parseBookID(value)
			}
		case "email":
			if email == "" {
				email = strings.TrimSpace(value)
			}
		}
	}
	return bookID, email
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// GenerateAccessKey returns a fresh content access key: 32 bytes from the
// system CSPRNG, URL-safe base64. Keys are generated once per purchase row
// and never regenerated or reassigned.
func GenerateAccessKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
