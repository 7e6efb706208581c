package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"github.com/velopress/velopress/app/models"
	"github.com/velopress/velopress/app/repository"
	"gorm.io/gorm"
)

// Disposition is the terminal state of one webhook delivery. Every branch is
// a normal, expected outcome; none of them is modeled as a panic or an
// exceptional control flow.
type Disposition string

const (
	// DispositionRecorded: a purchase row exists for the payment (created now
	// or by an earlier delivery).
	DispositionRecorded Disposition = "recorded"
	// DispositionSkipped: authenticated and well-formed, but not an event the
	// ledger acts on (wrong event type or non-completed status).
	DispositionSkipped Disposition = "skipped"
	// DispositionRejectedSignature: the sender could not be authenticated.
	DispositionRejectedSignature Disposition = "rejected_signature"
	// DispositionRejectedMalformed: the body is not valid JSON.
	DispositionRejectedMalformed Disposition = "rejected_malformed"
	// DispositionRejectedUnresolvable: buyer or book could not be resolved.
	// Money may have moved; these need manual investigation.
	DispositionRejectedUnresolvable Disposition = "rejected_unresolvable"
	// DispositionRetryable: transient failure (storage, missing secret). The
	// processor's own retry mechanism is the backstop.
	DispositionRetryable Disposition = "retryable_error"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Disposition  Disposition
	Notification *PaymentNotification
	Purchase     *models.Purchase
	User         *models.User
	Book         *models.Book
	// Created is true when this delivery inserted the purchase row, false on
	// duplicate deliveries that found an existing one.
	Created bool
	Err     error
}

// UserResolver resolves a buyer email to a local user.
type UserResolver interface {
	GetByEmail(email string) (*models.User, error)
}

// BookResolver resolves a catalog book id.
type BookResolver interface {
	GetByID(id uint) (*models.Book, error)
}

// OrderFetcher backfills order metadata for sparse payment webhooks.
// Optional; a nil fetcher disables enrichment.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, orderID string) (*SquareOrder, error)
}

// Service runs the webhook pipeline: verify, parse, resolve, record.
type Service struct {
	cfg    Config
	repo   Repository
	users  UserResolver
	books  BookResolver
	orders OrderFetcher
}

// NewService creates a payment service from injected collaborators.
func NewService(cfg Config, repo Repository, users UserResolver, books BookResolver, orders OrderFetcher) *Service {
	return &Service{cfg: cfg, repo: repo, users: users, books: books, orders: orders}
}

// NewServiceFromDB wires the service against a GORM DB handle and the Square
// API client configured from the environment.
func NewServiceFromDB(cfg Config, db *gorm.DB) *Service {
	return NewService(
		cfg,
		NewRepository(db),
		repository.NewUserRepository(db),
		repository.NewBookRepository(db),
		NewSquareClientFromEnv(),
	)
}

// ProcessNotification runs one delivery through the state machine
// Received -> Verified -> Parsed -> (Skipped | Resolved) -> Recorded.
// Retries are driven externally by the processor re-sending the same
// notification; idempotency lives in RecordPurchase, not here.
func (s *Service) ProcessNotification(ctx context.Context, rawBody []byte, signatureHeader string) Result {
	// Received -> Verified. Runs on the raw bytes before any decoding.
	if err := VerifySquareWebhookSignature(rawBody, signatureHeader, s.cfg.WebhookSigningSecret, s.cfg.NotificationURL); err != nil {
		if errors.Is(err, ErrWebhookSecretMissing) {
			// Operator error, not an attack. Fail closed and keep the
			// processor retrying until the secret is configured.
			log.Print("payments: SQUARE_WEBHOOK_SIGNATURE_SECRET is not set, rejecting webhook delivery")
			return Result{Disposition: DispositionRetryable, Err: err}
		}
		return Result{Disposition: DispositionRejectedSignature, Err: err}
	}

	// Verified -> Parsed.
	notification, parseErr := ParseSquareNotification(rawBody)
	if parseErr != nil {
		// The body is authenticated, so it is still worth keeping for
		// reconciliation even though it cannot be decoded.
		_, _ = s.recordEvent(&PaymentNotification{EventType: EventOther}, rawBody, string(DispositionRejectedMalformed), parseErr)
		return Result{Disposition: DispositionRejectedMalformed, Err: parseErr}
	}

	eventRow, err := s.recordEvent(notification, rawBody, "", nil)
	if err != nil {
		return Result{Disposition: DispositionRetryable, Notification: notification,
			Err: fmt.Errorf("persisting webhook event %s: %w", notification.PaymentID, err)}
	}

	// Parsed -> Skipped. Square sends many event types and intermediate
	// statuses the ledger does not act on; acknowledging them is success.
	if notification.EventType != EventPaymentUpdated || notification.PaymentStatus != StatusCompleted {
		s.finishEvent(eventRow, DispositionSkipped, nil)
		return Result{Disposition: DispositionSkipped, Notification: notification}
	}

	// Parsed -> Resolved.
	user, book, resolveErr := s.resolve(ctx, notification)
	if resolveErr != nil {
		disposition := DispositionRejectedUnresolvable
		if !isResolutionError(resolveErr) {
			disposition = DispositionRetryable
		}
		s.finishEvent(eventRow, disposition, resolveErr)
		log.Printf("payments: payment %s not recorded: %v", notification.PaymentID, resolveErr)
		return Result{Disposition: disposition, Notification: notification, Err: resolveErr}
	}

	// Resolved -> Recorded.
	purchase, created, recordErr := s.RecordPurchase(ctx, notification.PaymentID, user.ID, book.ID,
		notification.AmountMinorUnits, notification.CurrencyCode)
	if recordErr != nil {
		s.finishEvent(eventRow, DispositionRetryable, recordErr)
		return Result{Disposition: DispositionRetryable, Notification: notification,
			Err: fmt.Errorf("recording purchase for payment %s: %w", notification.PaymentID, recordErr)}
	}

	s.finishEvent(eventRow, DispositionRecorded, nil)
	if created {
		log.Printf("payments: recorded purchase for payment %s (user %d, book %d)", notification.PaymentID, user.ID, book.ID)
	}
	return Result{
		Disposition:  DispositionRecorded,
		Notification: notification,
		Purchase:     purchase,
		User:         user,
		Book:         book,
		Created:      created,
	}
}

// RecordPurchase is the idempotent ledger write. Delivering the same payment
// id N times, including concurrently, yields exactly one row; duplicates get
// the original row back unchanged, even if they carry a different amount or
// book (a deliberate no-op, reconciliation handles corrections).
func (s *Service) RecordPurchase(_ context.Context, paymentID string, userID, bookID uint, amountMinorUnits int64, currencyCode string) (*models.Purchase, bool, error) {
	existing, err := s.repo.GetPurchaseByPaymentID(paymentID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	accessKey, err := GenerateAccessKey()
	if err != nil {
		return nil, false, err
	}

	created, stored, err := s.repo.CreatePurchaseIfNotExists(&models.Purchase{
		UserID:           userID,
		BookID:           bookID,
		PaymentID:        paymentID,
		PaymentProvider:  s.cfg.ProviderName,
		AmountMinorUnits: amountMinorUnits,
		CurrencyCode:     currencyCode,
		AccessKey:        accessKey,
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// resolve maps the notification to local entities, enriching from the Square
// order when the webhook payload itself was incomplete.
func (s *Service) resolve(ctx context.Context, n *PaymentNotification) (*models.User, *models.Book, error) {
	if (n.BuyerEmail == "" || n.BookID == 0) && n.OrderID != "" && s.orders != nil {
		s.enrichFromOrder(ctx, n)
	}

	if n.BuyerEmail == "" {
		return nil, nil, ErrBuyerEmailMissing
	}
	if n.BookID == 0 {
		return nil, nil, ErrBookIDMissing
	}

	user, err := s.users.GetByEmail(n.BuyerEmail)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, fmt.Errorf("user lookup: %w", err)
	}

	book, err := s.books.GetByID(n.BookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrBookNotFound
		}
		return nil, nil, fmt.Errorf("book lookup: %w", err)
	}
	return user, book, nil
}

func (s *Service) enrichFromOrder(ctx context.Context, n *PaymentNotification) {
	order, err := s.orders.FetchOrder(ctx, n.OrderID)
	if err != nil {
		// Enrichment is best-effort; the resolver reports what is still
		// missing afterwards.
		log.Printf("payments: order fetch for payment %s failed: %v", n.PaymentID, err)
		return
	}

	if n.BookID == 0 {
		n.BookID = parseBookID(order.Metadata["book_id"])
	}
	if n.BuyerEmail == "" {
		n.BuyerEmail = firstNonEmpty(order.Metadata["user_email"], order.Metadata["buyer_email"])
	}
	if n.BookID == 0 || n.BuyerEmail == "" {
		noteBookID, noteEmail := parseOrderNote(order.Note)
		if n.BookID == 0 {
			n.BookID = noteBookID
		}
		if n.BuyerEmail == "" {
			n.BuyerEmail = noteEmail
		}
	}
}

// recordEvent persists the delivery for audit. Duplicate event ids collapse
// onto one row but do not short-circuit processing; the ledger's unique
// constraint is the idempotency source of truth, this log is not.
func (s *Service) recordEvent(n *PaymentNotification, rawBody []byte, disposition string, processingErr error) (*models.PaymentWebhookEvent, error) {
	eventID := n.EventID
	if eventID == "" {
		sum := sha256.Sum256(rawBody)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	_, stored, err := s.repo.CreateWebhookEventIfNotExists(&models.PaymentWebhookEvent{
		Provider:        s.cfg.ProviderName,
		ProviderEventID: eventID,
		EventType:       string(n.EventType),
		PaymentID:       n.PaymentID,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, err
	}
	if disposition != "" {
		s.finishEvent(stored, Disposition(disposition), processingErr)
	}
	return stored, nil
}

func (s *Service) finishEvent(event *models.PaymentWebhookEvent, disposition Disposition, processingErr error) {
	if event == nil {
		return
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(event.ID, string(disposition), errMsg); err != nil {
		log.Printf("payments: marking webhook event %d processed failed: %v", event.ID, err)
	}
}

func isResolutionError(err error) bool {
	return errors.Is(err, ErrBuyerEmailMissing) ||
		errors.Is(err, ErrBookIDMissing) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrBookNotFound)
}

// ErrorTag returns the stable reason tag surfaced in responses and logs.
func ErrorTag(err error) string {
	switch {
	case errors.Is(err, ErrBuyerEmailMissing):
		return "buyer_email_missing"
	case errors.Is(err, ErrBookIDMissing):
		return "book_id_missing"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrBookNotFound):
		return "book_not_found"
	case errors.Is(err, ErrSignatureInvalid):
		return "invalid_signature"
	case errors.Is(err, ErrMalformedPayload):
		return "invalid_payload"
	case errors.Is(err, ErrWebhookSecretMissing):
		return "configuration_missing"
	case err == nil:
		return ""
	default:
		return "internal_error"
	}
}
