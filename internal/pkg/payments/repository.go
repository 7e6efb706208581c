package payments

import (
	"time"

	"github.com/velopress/velopress/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the payment service.
type Repository interface {
	GetPurchaseByPaymentID(paymentID string) (*models.Purchase, error)
	CreatePurchaseIfNotExists(purchase *models.Purchase) (bool, *models.Purchase, error)
	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, disposition string, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetPurchaseByPaymentID(paymentID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := r.db.Where("payment_id = ?", paymentID).First(&purchase).Error
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// CreatePurchaseIfNotExists inserts the purchase guarded by the unique index
// on payment_id. Two concurrent deliveries of the same payment can both pass
// the prior lookup; the constraint, not the lookup, is the source of truth
// for exactly-once. On conflict the existing row is re-read and returned.
func (r *gormRepository) CreatePurchaseIfNotExists(purchase *models.Purchase) (bool, *models.Purchase, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "payment_id"},
		},
		DoNothing: true,
	}).Create(purchase)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Purchase
	if err := r.db.Where("payment_id = ?", purchase.PaymentID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, disposition string, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"disposition":      disposition,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
