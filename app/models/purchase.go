package models

import "time"

const PaymentProviderSquare = "square"

// Purchase is one settled payment for one book. Rows are written exactly once
// by the payment pipeline and never updated afterwards; the unique index on
// payment_id is the idempotency guarantee under duplicate webhook delivery.
type Purchase struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"not null;index:idx_purchases_user_book,priority:1" json:"user_id"`
	BookID           uint      `gorm:"not null;index:idx_purchases_user_book,priority:2" json:"book_id"`
	PaymentID        string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_purchases_payment_id" json:"payment_id"`
	PaymentProvider  string    `gorm:"type:varchar(20);not null;default:'square'" json:"payment_provider"`
	AmountMinorUnits int64     `gorm:"not null;default:0" json:"amount_minor_units"`
	CurrencyCode     string    `gorm:"type:varchar(3);not null;default:''" json:"currency_code"`
	AccessKey        string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_purchases_access_key" json:"-"`
	PurchasedAt      time.Time `gorm:"autoCreateTime" json:"purchased_at"`
}

// TableName specifies the table name for the Purchase model
func (Purchase) TableName() string {
	return "book_purchases"
}
