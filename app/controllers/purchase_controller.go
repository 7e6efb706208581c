package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/velopress/velopress/app/repository"
	"github.com/velopress/velopress/internal/pkg/cache"
	"github.com/velopress/velopress/internal/pkg/payments"
)

const accessCacheTTL = 10 * time.Minute

var squareClient *payments.SquareClient

// InitPurchaseController wires the Square client used for payment links.
func InitPurchaseController(client *payments.SquareClient) {
	squareClient = client
}

// HandleCheckAccess reports whether a user owns at least one purchase of a
// book. Consumed by the content-gating frontend. Positive answers are cached;
// purchases are immutable, so a cached grant can never go stale within the
// subsystem.
func HandleCheckAccess(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid user id"})
	}
	bookID, err := c.ParamsInt("bookID")
	if err != nil || bookID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid book id"})
	}

	cacheKey := fmt.Sprintf("access:%d:%d", userID, bookID)
	if val, err := cache.Get(cacheKey); err == nil && val == "1" {
		return c.JSON(fiber.Map{"has_access": true})
	}

	hasAccess, err := repository.GetGlobalFactory().GetPurchaseRepository().HasAccess(uint(userID), uint(bookID))
	if err != nil {
		log.Printf("access check failed for user %d, book %d: %v", userID, bookID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	if hasAccess {
		if err := cache.Set(cacheKey, "1", accessCacheTTL); err != nil {
			log.Printf("access cache write failed: %v", err)
		}
	}
	return c.JSON(fiber.Map{"has_access": hasAccess})
}

// HandleGetAccessKey returns the access key issued for a payment.
func HandleGetAccessKey(c *fiber.Ctx) error {
	paymentID := strings.TrimSpace(c.Params("paymentID"))
	if paymentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "payment id missing"})
	}

	purchase, err := repository.GetGlobalFactory().GetPurchaseRepository().GetByPaymentID(paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		log.Printf("access key lookup failed for payment %s: %v", paymentID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	return c.JSON(fiber.Map{
		"payment_id": purchase.PaymentID,
		"book_id":    purchase.BookID,
		"user_id":    purchase.UserID,
		"access_key": purchase.AccessKey,
	})
}

// HandleListUserPurchases returns the purchase history for one user.
func HandleListUserPurchases(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("userID")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid user id"})
	}

	purchases, err := repository.GetGlobalFactory().GetPurchaseRepository().ListByUser(uint(userID))
	if err != nil {
		log.Printf("purchase list failed for user %d: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.JSON(fiber.Map{"purchases": purchases})
}

type paymentLinkRequest struct {
	Email string `json:"email"`
}

// HandleCreatePaymentLink creates a Square checkout link for a book. The
// buyer email and book id travel in the order metadata so the completion
// webhook can be attributed back without a synchronous leg.
func HandleCreatePaymentLink(c *fiber.Ctx) error {
	bookID, err := c.ParamsInt("id")
	if err != nil || bookID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid book id"})
	}

	var req paymentLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "valid email required"})
	}

	book, err := repository.GetGlobalFactory().GetBookRepository().GetByID(uint(bookID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		log.Printf("book lookup failed for payment link (book %d): %v", bookID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	if !book.Published {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	if book.PriceCents <= 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "not_for_sale"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	url, err := squareClient.CreatePaymentLink(ctx, payments.PaymentLinkInput{
		BookID:     book.ID,
		BookTitle:  book.Title,
		PriceCents: book.PriceCents,
		Currency:   book.CurrencyCode,
		BuyerEmail: email,
	})
	if err != nil {
		log.Printf("payment link creation failed for book %d: %v", book.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "payment_link_failed"})
	}

	return c.JSON(fiber.Map{"payment_link": url, "book_id": book.ID})
}
