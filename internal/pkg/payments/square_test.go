package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestSquareServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *SquareClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := &SquareClient{
		AccessToken: "test-token",
		APIBaseURL:  srv.URL,
		HTTPClient:  srv.Client(),
	}
	return srv, client
}

func TestSquareClientFetchOrder(t *testing.T) {
	_, client := newTestSquareServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/order_9" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":"order_9","note":"book_id:7|email:rider@example.com","metadata":{"book_id":"7"}}}`))
	})

	order, err := client.FetchOrder(context.Background(), "order_9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID != "order_9" || order.Metadata["book_id"] != "7" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestSquareClientFetchOrder_Errors(t *testing.T) {
	_, client := newTestSquareServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"code":"NOT_FOUND"}]}`))
	})

	if _, err := client.FetchOrder(context.Background(), "order_x"); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
	if _, err := client.FetchOrder(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty order id")
	}

	client.AccessToken = ""
	if _, err := client.FetchOrder(context.Background(), "order_9"); err == nil {
		t.Fatalf("expected error for missing access token")
	}
}

func TestSquareClientCreatePaymentLink(t *testing.T) {
	_, client := newTestSquareServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/online-checkout/payment-links" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			IdempotencyKey string `json:"idempotency_key"`
			Order          struct {
				LocationID string            `json:"location_id"`
				Metadata   map[string]string `json:"metadata"`
				Note       string            `json:"note"`
			} `json:"order"`
			PrePopulatedData map[string]string `json:"pre_populated_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decoding payment link payload: %v", err)
		}
		if payload.IdempotencyKey == "" {
			t.Fatalf("missing idempotency key")
		}
		if payload.Order.Metadata["book_id"] != "7" || payload.Order.Metadata["user_email"] != "rider@example.com" {
			t.Fatalf("unexpected order metadata: %+v", payload.Order.Metadata)
		}
		if payload.Order.Note != "book_id:7|email:rider@example.com" {
			t.Fatalf("unexpected order note %q", payload.Order.Note)
		}
		if payload.PrePopulatedData["buyer_email"] != "rider@example.com" {
			t.Fatalf("unexpected pre-populated data: %+v", payload.PrePopulatedData)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_link":{"url":"https://square.link/u/abc123"}}`))
	})

	url, err := client.CreatePaymentLink(context.Background(), PaymentLinkInput{
		BookID:     7,
		BookTitle:  "Alps by Gravel",
		PriceCents: 1999,
		Currency:   "EUR",
		BuyerEmail: "rider@example.com",
		LocationID: "loc_1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://square.link/u/abc123" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestSquareClientCreatePaymentLink_Validation(t *testing.T) {
	client := &SquareClient{AccessToken: "test-token", APIBaseURL: "http://unreachable.invalid", HTTPClient: http.DefaultClient}

	cases := []PaymentLinkInput{
		{BookTitle: "No ID", PriceCents: 100, BuyerEmail: "a@b.c", LocationID: "l"},
		{BookID: 1, PriceCents: 100, BuyerEmail: "a@b.c", LocationID: "l"},
		{BookID: 1, BookTitle: "No price", BuyerEmail: "a@b.c", LocationID: "l"},
		{BookID: 1, BookTitle: "No email", PriceCents: 100, LocationID: "l"},
	}
	for i, in := range cases {
		if _, err := client.CreatePaymentLink(context.Background(), in); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
