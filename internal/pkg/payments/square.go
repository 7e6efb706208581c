package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/velopress/velopress/internal/pkg/env"
)

const (
	defaultSquareSandboxBaseURL    = "https://connect.squareupsandbox.com"
	defaultSquareProductionBaseURL = "https://connect.squareup.com"
)

// SquareClient talks to the Square REST API. It backfills order metadata for
// sparse payment webhooks and creates checkout links for book purchases.
type SquareClient struct {
	AccessToken string
	APIBaseURL  string

	HTTPClient *http.Client
}

// SquareOrder is the subset of an order the webhook pipeline cares about.
type SquareOrder struct {
	ID       string
	Note     string
	Metadata map[string]string
}

type SquareLocation struct {
	ID   string
	Name string
}

// PaymentLinkInput describes one checkout link for one book and one buyer.
// The buyer email and book id ride along so the later webhook can be
// attributed without a synchronous leg.
type PaymentLinkInput struct {
	BookID     uint
	BookTitle  string
	PriceCents int64
	Currency   string
	BuyerEmail string
	LocationID string
}

func NewSquareClientFromEnv() *SquareClient {
	base := strings.TrimSpace(env.GetEnv("SQUARE_API_BASE_URL", ""))
	if base == "" {
		if strings.EqualFold(env.GetEnv("SQUARE_ENVIRONMENT", "sandbox"), "production") {
			base = defaultSquareProductionBaseURL
		} else {
			base = defaultSquareSandboxBaseURL
		}
	}

	return &SquareClient{
		AccessToken: strings.TrimSpace(env.GetEnv("SQUARE_ACCESS_TOKEN", "")),
		APIBaseURL:  strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// FetchOrder loads an order by id. Payment webhooks do not include order
// metadata, so this is the only way to recover a book id or buyer email
// stashed on the order.
func (c *SquareClient) FetchOrder(ctx context.Context, orderID string) (*SquareOrder, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("order id is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return nil, errors.New("SQUARE_ACCESS_TOKEN is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBaseURL+"/v2/orders/"+id, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("square order fetch failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		Order struct {
			ID       string            `json:"id"`
			Note     string            `json:"note"`
			Metadata map[string]string `json:"metadata"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Order.ID) == "" {
		return nil, errors.New("square order response missing order id")
	}

	return &SquareOrder{
		ID:       raw.Order.ID,
		Note:     raw.Order.Note,
		Metadata: raw.Order.Metadata,
	}, nil
}

// ListLocations returns the merchant's locations. Payment links need a
// location id; the first active one is used when none is configured.
func (c *SquareClient) ListLocations(ctx context.Context) ([]SquareLocation, error) {
	if strings.TrimSpace(c.AccessToken) == "" {
		return nil, errors.New("SQUARE_ACCESS_TOKEN is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBaseURL+"/v2/locations", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("square locations request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		Locations []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make([]SquareLocation, 0, len(raw.Locations))
	for _, l := range raw.Locations {
		if id := strings.TrimSpace(l.ID); id != "" {
			out = append(out, SquareLocation{ID: id, Name: l.Name})
		}
	}
	return out, nil
}

// CreatePaymentLink creates a Square-hosted checkout link. The book id and
// buyer email are written into the order metadata and duplicated in the
// order note as a parsing fallback.
func (c *SquareClient) CreatePaymentLink(ctx context.Context, in PaymentLinkInput) (string, error) {
	if strings.TrimSpace(c.AccessToken) == "" {
		return "", errors.New("SQUARE_ACCESS_TOKEN is not configured")
	}
	if in.BookID == 0 || strings.TrimSpace(in.BookTitle) == "" {
		return "", errors.New("book id and title are required")
	}
	if strings.TrimSpace(in.BuyerEmail) == "" {
		return "", errors.New("buyer email is required")
	}
	if in.PriceCents <= 0 {
		return "", errors.New("price must be positive")
	}

	locationID := strings.TrimSpace(in.LocationID)
	if locationID == "" {
		locations, err := c.ListLocations(ctx)
		if err != nil {
			return "", err
		}
		if len(locations) == 0 {
			return "", errors.New("no square locations found, create one in the Square dashboard")
		}
		locationID = locations[0].ID
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "GBP"
	}
	bookID := strconv.FormatUint(uint64(in.BookID), 10)

	payload := map[string]any{
		"idempotency_key": uuid.NewString(),
		"order": map[string]any{
			"location_id": locationID,
			"line_items": []map[string]any{
				{
					"name":      in.BookTitle,
					"quantity":  "1",
					"item_type": "ITEM",
					"base_price_money": map[string]any{
						"amount":   in.PriceCents,
						"currency": currency,
					},
				},
			},
			"metadata": map[string]string{
				"book_id":    bookID,
				"user_email": in.BuyerEmail,
			},
			"note": "book_id:" + bookID + "|email:" + in.BuyerEmail,
		},
		"checkout_options": map[string]any{
			"allow_tipping":            false,
			"ask_for_shipping_address": false,
		},
		"pre_populated_data": map[string]string{
			"buyer_email": in.BuyerEmail,
		},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.APIBaseURL+"/v2/online-checkout/payment-links", bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("square payment link request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		PaymentLink struct {
			URL string `json:"url"`
		} `json:"payment_link"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", err
	}
	if strings.TrimSpace(raw.PaymentLink.URL) == "" {
		return "", errors.New("square payment link response missing url")
	}
	return raw.PaymentLink.URL, nil
}

func (c *SquareClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")
}
