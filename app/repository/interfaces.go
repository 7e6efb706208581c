package repository

import (
	"github.com/velopress/velopress/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// BookRepository defines the interface for catalog book database operations
type BookRepository interface {
	Create(book *models.Book) error
	GetByID(id uint) (*models.Book, error)
	GetBySlug(slug string) (*models.Book, error)
	GetPublished(offset, limit int) ([]models.Book, error)
	Update(book *models.Book) error
	Delete(id uint) error
	Count() (int64, error)
}

// PurchaseRepository defines the interface for purchase ledger reads consumed
// by content gating. Writes go through the payments service only.
type PurchaseRepository interface {
	GetByPaymentID(paymentID string) (*models.Purchase, error)
	GetByUserAndBook(userID, bookID uint) ([]models.Purchase, error)
	HasAccess(userID, bookID uint) (bool, error)
	ListByUser(userID uint) ([]models.Purchase, error)
	Count() (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User     UserRepository
	Book     BookRepository
	Purchase PurchaseRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:     NewUserRepository(db),
		Book:     NewBookRepository(db),
		Purchase: NewPurchaseRepository(db),
	}
}
