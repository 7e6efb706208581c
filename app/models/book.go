package models

import (
	"time"

	"gorm.io/gorm"
)

// Book represents a purchasable guidebook in the catalog
type Book struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Title        string         `gorm:"type:varchar(255)" json:"title" validate:"required,min=3,max=255"`
	Slug         string         `gorm:"uniqueIndex;type:varchar(255)" json:"slug" validate:"required,min=3,max=255"`
	Description  string         `gorm:"type:text" json:"description"`
	PriceCents   int64          `gorm:"not null;default:0" json:"price_cents" validate:"gte=0"`
	CurrencyCode string         `gorm:"type:varchar(3);not null;default:'GBP'" json:"currency_code" validate:"iso4217"`
	Published    bool           `gorm:"type:tinyint(1);default:0" json:"published"`
	CoverURL     string         `gorm:"type:varchar(255);default:null" json:"cover_url"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for the Book model
func (Book) TableName() string {
	return "books"
}
