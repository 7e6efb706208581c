package repository

import (
	"github.com/velopress/velopress/app/models"
	"gorm.io/gorm"
)

// purchaseRepository implements the PurchaseRepository interface
type purchaseRepository struct {
	db *gorm.DB
}

// NewPurchaseRepository creates a new purchase repository instance
func NewPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &purchaseRepository{db: db}
}

// GetByPaymentID retrieves a purchase by its provider payment ID
func (r *purchaseRepository) GetByPaymentID(paymentID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := r.db.Where("payment_id = ?", paymentID).First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// GetByUserAndBook retrieves all purchases a user made for one book. A user
// may legitimately buy the same book more than once under different payments.
func (r *purchaseRepository) GetByUserAndBook(userID, bookID uint) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := r.db.Where("user_id = ? AND book_id = ?", userID, bookID).
		Order("purchased_at ASC").Find(&purchases).Error
	return purchases, err
}

// HasAccess reports whether at least one purchase exists for the user/book pair
func (r *purchaseRepository) HasAccess(userID, bookID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.Purchase{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).Count(&count).Error
	return count > 0, err
}

// ListByUser retrieves all purchases made by a user
func (r *purchaseRepository) ListByUser(userID uint) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := r.db.Where("user_id = ?", userID).Order("purchased_at DESC").Find(&purchases).Error
	return purchases, err
}

// Count returns the total number of purchases
func (r *purchaseRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Purchase{}).Count(&count).Error
	return count, err
}
