package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/velopress/velopress/app/models"
)

// fakeRepository enforces the same unique constraints as the real schema so
// the conflict-then-reread behavior is exercised without a database.
type fakeRepository struct {
	mu                sync.Mutex
	nextID            uint
	purchases         map[string]*models.Purchase            // by payment_id
	events            map[string]*models.PaymentWebhookEvent // by provider + event id
	failPurchaseWrite bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		purchases: make(map[string]*models.Purchase),
		events:    make(map[string]*models.PaymentWebhookEvent),
	}
}

func (r *fakeRepository) GetPurchaseByPaymentID(paymentID string) (*models.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.purchases[paymentID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepository) CreatePurchaseIfNotExists(purchase *models.Purchase) (bool, *models.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPurchaseWrite {
		return false, nil, errors.New("storage unavailable")
	}
	if existing, ok := r.purchases[purchase.PaymentID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	stored := *purchase
	stored.ID = r.nextID
	stored.PurchasedAt = time.Now()
	r.purchases[purchase.PaymentID] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *fakeRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if existing, ok := r.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	stored := *event
	stored.ID = r.nextID
	r.events[key] = &stored
	cp := stored
	return true, &cp, nil
}

func (r *fakeRepository) MarkWebhookProcessed(id uint, disposition string, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.Disposition = disposition
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeRepository) purchaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.purchases)
}

type fakeUsers struct {
	byEmail map[string]*models.User
}

func (f *fakeUsers) GetByEmail(email string) (*models.User, error) {
	if u, ok := f.byEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeBooks struct {
	byID map[uint]*models.Book
}

func (f *fakeBooks) GetByID(id uint) (*models.Book, error) {
	if b, ok := f.byID[id]; ok {
		return b, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeOrders struct {
	orders map[string]*SquareOrder
	calls  int
}

func (f *fakeOrders) FetchOrder(_ context.Context, orderID string) (*SquareOrder, error) {
	f.calls++
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("order %s not found", orderID)
}

const testSecret = "test-webhook-secret"
const testURL = "https://shop.example.com/webhooks/square"

func newTestService(repo Repository, orders OrderFetcher) *Service {
	cfg := Config{
		WebhookSigningSecret: testSecret,
		NotificationURL:      testURL,
		ProviderName:         "square",
	}
	users := &fakeUsers{byEmail: map[string]*models.User{
		"rider@example.com": {ID: 10, Email: "rider@example.com", Name: "Rider"},
	}}
	books := &fakeBooks{byID: map[uint]*models.Book{
		7: {ID: 7, Title: "Alps by Gravel", PriceCents: 1999, CurrencyCode: "EUR", Published: true},
	}}
	return NewService(cfg, repo, users, books, orders)
}

func completedPayload(eventID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "payment.updated",
		"event_id": %q,
		"data": { "object": { "payment": {
			"id": %q,
			"status": "COMPLETED",
			"buyer_email_address": "rider@example.com",
			"amount_money": { "amount": 1999, "currency": "EUR" },
			"metadata": { "book_id": "7" }
		} } }
	}`, eventID, paymentID))
}

func signedHeader(payload []byte) string {
	return squareSign(testSecret, append([]byte(testURL), payload...))
}

func TestProcessNotification_Recorded(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	payload := completedPayload("evt_1", "pay_1")

	res := svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if res.Disposition != DispositionRecorded {
		t.Fatalf("disposition = %q (err %v), want %q", res.Disposition, res.Err, DispositionRecorded)
	}
	if !res.Created {
		t.Fatalf("expected first delivery to create the purchase")
	}
	if res.Purchase == nil || res.Purchase.PaymentID != "pay_1" {
		t.Fatalf("unexpected purchase: %+v", res.Purchase)
	}
	if res.Purchase.UserID != 10 || res.Purchase.BookID != 7 {
		t.Fatalf("purchase linked to user %d book %d", res.Purchase.UserID, res.Purchase.BookID)
	}
	if res.Purchase.AccessKey == "" {
		t.Fatalf("expected an access key on the recorded purchase")
	}
	if res.Purchase.AmountMinorUnits != 1999 || res.Purchase.CurrencyCode != "EUR" {
		t.Fatalf("amount = %d %s", res.Purchase.AmountMinorUnits, res.Purchase.CurrencyCode)
	}
}

func TestProcessNotification_DuplicateDeliveries(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	payload := completedPayload("evt_1", "pay_1")
	header := signedHeader(payload)

	first := svc.ProcessNotification(context.Background(), payload, header)
	if first.Disposition != DispositionRecorded || !first.Created {
		t.Fatalf("first delivery: %+v", first)
	}

	second := svc.ProcessNotification(context.Background(), payload, header)
	if second.Disposition != DispositionRecorded {
		t.Fatalf("duplicate disposition = %q, want %q", second.Disposition, DispositionRecorded)
	}
	if second.Created {
		t.Fatalf("duplicate delivery must not create a second purchase")
	}
	if second.Purchase.ID != first.Purchase.ID || second.Purchase.AccessKey != first.Purchase.AccessKey {
		t.Fatalf("duplicate returned a different row: %+v vs %+v", second.Purchase, first.Purchase)
	}
	if repo.purchaseCount() != 1 {
		t.Fatalf("purchase count = %d, want 1", repo.purchaseCount())
	}
}

func TestProcessNotification_ConcurrentDuplicates(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	payload := completedPayload("evt_1", "pay_1")
	header := signedHeader(payload)

	const replicas = 8
	results := make([]Result, replicas)
	var wg sync.WaitGroup
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.ProcessNotification(context.Background(), payload, header)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, res := range results {
		if res.Disposition != DispositionRecorded {
			t.Fatalf("delivery %d: disposition = %q (err %v)", i, res.Disposition, res.Err)
		}
		if res.Purchase.ID != results[0].Purchase.ID {
			t.Fatalf("delivery %d saw a different purchase row", i)
		}
		if res.Created {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created count = %d, want exactly 1", created)
	}
	if repo.purchaseCount() != 1 {
		t.Fatalf("purchase count = %d, want 1", repo.purchaseCount())
	}
}

func TestProcessNotification_DuplicateWithDifferentAmountIsNoOp(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	payload := completedPayload("evt_1", "pay_1")
	first := svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if first.Disposition != DispositionRecorded {
		t.Fatalf("first delivery: %+v", first)
	}

	altered := []byte(strings.Replace(string(completedPayload("evt_2", "pay_1")), `"amount": 1999`, `"amount": 2599`, 1))
	second := svc.ProcessNotification(context.Background(), altered, signedHeader(altered))
	if second.Disposition != DispositionRecorded || second.Created {
		t.Fatalf("conflicting duplicate: %+v", second)
	}
	if second.Purchase.AmountMinorUnits != 1999 {
		t.Fatalf("original amount overwritten: %d", second.Purchase.AmountMinorUnits)
	}
}

func TestProcessNotification_SkippedStatuses(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	pending := []byte(strings.Replace(string(completedPayload("evt_1", "pay_1")), "COMPLETED", "PENDING", 1))
	res := svc.ProcessNotification(context.Background(), pending, signedHeader(pending))
	if res.Disposition != DispositionSkipped {
		t.Fatalf("pending payment: disposition = %q, want %q", res.Disposition, DispositionSkipped)
	}

	testEvent := []byte(`{"type":"test.notification","event_id":"evt_t"}`)
	res = svc.ProcessNotification(context.Background(), testEvent, signedHeader(testEvent))
	if res.Disposition != DispositionSkipped {
		t.Fatalf("test notification: disposition = %q, want %q", res.Disposition, DispositionSkipped)
	}

	if repo.purchaseCount() != 0 {
		t.Fatalf("skipped deliveries must not touch the ledger, got %d rows", repo.purchaseCount())
	}
}

func TestProcessNotification_RejectedSignature(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	payload := completedPayload("evt_1", "pay_1")

	res := svc.ProcessNotification(context.Background(), payload, squareSign("wrong-secret", payload))
	if res.Disposition != DispositionRejectedSignature {
		t.Fatalf("disposition = %q, want %q", res.Disposition, DispositionRejectedSignature)
	}
	if repo.purchaseCount() != 0 {
		t.Fatalf("rejected delivery must not touch the ledger")
	}
	if len(repo.events) != 0 {
		t.Fatalf("unauthenticated payloads must not be persisted")
	}
}

func TestProcessNotification_MissingSecretIsRetryable(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(Config{ProviderName: "square"}, repo, &fakeUsers{}, &fakeBooks{}, nil)
	payload := completedPayload("evt_1", "pay_1")

	res := svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if res.Disposition != DispositionRetryable {
		t.Fatalf("disposition = %q, want %q", res.Disposition, DispositionRetryable)
	}
	if !errors.Is(res.Err, ErrWebhookSecretMissing) {
		t.Fatalf("err = %v, want ErrWebhookSecretMissing", res.Err)
	}
}

func TestProcessNotification_Malformed(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	payload := []byte(`{"type": "payment.updated"`)

	res := svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if res.Disposition != DispositionRejectedMalformed {
		t.Fatalf("disposition = %q, want %q", res.Disposition, DispositionRejectedMalformed)
	}
	// Authenticated but undecodable bodies are kept for reconciliation.
	if len(repo.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(repo.events))
	}
}

func TestProcessNotification_Unresolvable(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)

	noEmail := []byte(`{
		"type": "payment.updated",
		"event_id": "evt_1",
		"data": { "object": { "payment": {
			"id": "pay_1",
			"status": "COMPLETED",
			"amount_money": { "amount": 1999, "currency": "EUR" },
			"metadata": { "book_id": "7" }
		} } }
	}`)
	res := svc.ProcessNotification(context.Background(), noEmail, signedHeader(noEmail))
	if res.Disposition != DispositionRejectedUnresolvable {
		t.Fatalf("disposition = %q, want %q", res.Disposition, DispositionRejectedUnresolvable)
	}
	if ErrorTag(res.Err) != "buyer_email_missing" {
		t.Fatalf("error tag = %q, want buyer_email_missing", ErrorTag(res.Err))
	}

	unknownUser := []byte(strings.Replace(string(completedPayload("evt_2", "pay_2")), "rider@example.com", "stranger@example.com", 1))
	res = svc.ProcessNotification(context.Background(), unknownUser, signedHeader(unknownUser))
	if res.Disposition != DispositionRejectedUnresolvable || ErrorTag(res.Err) != "user_not_found" {
		t.Fatalf("unknown user: disposition %q tag %q", res.Disposition, ErrorTag(res.Err))
	}

	unknownBook := []byte(strings.Replace(string(completedPayload("evt_3", "pay_3")), `"book_id": "7"`, `"book_id": "99"`, 1))
	res = svc.ProcessNotification(context.Background(), unknownBook, signedHeader(unknownBook))
	if res.Disposition != DispositionRejectedUnresolvable || ErrorTag(res.Err) != "book_not_found" {
		t.Fatalf("unknown book: disposition %q tag %q", res.Disposition, ErrorTag(res.Err))
	}

	if repo.purchaseCount() != 0 {
		t.Fatalf("unresolvable deliveries must not touch the ledger")
	}
}

func TestProcessNotification_EnrichesFromOrder(t *testing.T) {
	repo := newFakeRepository()
	orders := &fakeOrders{orders: map[string]*SquareOrder{
		"order_9": {
			ID:   "order_9",
			Note: "book_id:7|email:rider@example.com",
		},
	}}
	svc := newTestService(repo, orders)

	sparse := []byte(`{
		"type": "payment.updated",
		"event_id": "evt_1",
		"data": { "object": { "payment": {
			"id": "pay_1",
			"status": "COMPLETED",
			"order_id": "order_9",
			"amount_money": { "amount": 1999, "currency": "EUR" }
		} } }
	}`)
	res := svc.ProcessNotification(context.Background(), sparse, signedHeader(sparse))
	if res.Disposition != DispositionRecorded {
		t.Fatalf("disposition = %q (err %v), want %q", res.Disposition, res.Err, DispositionRecorded)
	}
	if orders.calls != 1 {
		t.Fatalf("order fetch calls = %d, want 1", orders.calls)
	}
	if res.Purchase.UserID != 10 || res.Purchase.BookID != 7 {
		t.Fatalf("enriched purchase linked to user %d book %d", res.Purchase.UserID, res.Purchase.BookID)
	}
}

func TestProcessNotification_StorageFailureIsRetryable(t *testing.T) {
	repo := newFakeRepository()
	repo.failPurchaseWrite = true
	svc := newTestService(repo, nil)
	payload := completedPayload("evt_1", "pay_1")

	res := svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if res.Disposition != DispositionRetryable {
		t.Fatalf("disposition = %q, want %q", res.Disposition, DispositionRetryable)
	}

	// The retry succeeds once storage recovers.
	repo.failPurchaseWrite = false
	res = svc.ProcessNotification(context.Background(), payload, signedHeader(payload))
	if res.Disposition != DispositionRecorded || !res.Created {
		t.Fatalf("retry after recovery: %+v", res)
	}
}

func TestRecordPurchase_Idempotent(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	first, created, err := svc.RecordPurchase(ctx, "pay_1", 10, 7, 1999, "EUR")
	if err != nil || !created {
		t.Fatalf("first write: created=%v err=%v", created, err)
	}
	second, created, err := svc.RecordPurchase(ctx, "pay_1", 10, 7, 1999, "EUR")
	if err != nil || created {
		t.Fatalf("second write: created=%v err=%v", created, err)
	}
	if second.ID != first.ID || second.AccessKey != first.AccessKey {
		t.Fatalf("second write returned a different row")
	}
}
