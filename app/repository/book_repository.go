package repository

import (
	"github.com/velopress/velopress/app/models"
	"gorm.io/gorm"
)

// bookRepository implements the BookRepository interface
type bookRepository struct {
	db *gorm.DB
}

// NewBookRepository creates a new book repository instance
func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

// Create creates a new book in the database
func (r *bookRepository) Create(book *models.Book) error {
	return r.db.Create(book).Error
}

// GetByID retrieves a book by its ID
func (r *bookRepository) GetByID(id uint) (*models.Book, error) {
	var book models.Book
	err := r.db.First(&book, id).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// GetBySlug retrieves a book by its slug
func (r *bookRepository) GetBySlug(slug string) (*models.Book, error) {
	var book models.Book
	err := r.db.Where("slug = ?", slug).First(&book).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// GetPublished retrieves published books with pagination
func (r *bookRepository) GetPublished(offset, limit int) ([]models.Book, error) {
	var books []models.Book
	err := r.db.Where("published = ?", true).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&books).Error
	return books, err
}

// Update updates an existing book in the database
func (r *bookRepository) Update(book *models.Book) error {
	return r.db.Save(book).Error
}

// Delete soft-deletes a book by its ID
func (r *bookRepository) Delete(id uint) error {
	return r.db.Delete(&models.Book{}, id).Error
}

// Count returns the total number of books
func (r *bookRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Book{}).Count(&count).Error
	return count, err
}
