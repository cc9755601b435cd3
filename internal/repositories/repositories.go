package repositories

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"library/internal/models"
)

// ErrAvailabilityConflict is returned by AdjustAvailable when the requested
// delta would push available_copies below zero or above total_copies.
var ErrAvailabilityConflict = errors.New("available copies adjustment out of bounds")

// Search fields accepted by BookRepository.Search.
const (
	SearchFieldTitle  = "title"
	SearchFieldAuthor = "author"
	SearchFieldISBN   = "isbn"
)

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	GetByISBN(db *gorm.DB, isbn models.ISBN13) (*models.Book, error)
	List(db *gorm.DB) ([]models.Book, error)
	Search(db *gorm.DB, term, field string) ([]models.Book, error)
	AdjustAvailable(db *gorm.DB, bookID uuid.UUID, delta int) error
}

type BorrowRecordRepository interface {
	Create(db *gorm.DB, record *models.BorrowRecord) error
	CountOpenByPatron(db *gorm.DB, patronID models.PatronID) (int64, error)
	GetOpen(db *gorm.DB, patronID models.PatronID, bookID uuid.UUID) (*models.BorrowRecord, error)
	GetOpenForUpdate(db *gorm.DB, patronID models.PatronID, bookID uuid.UUID) (*models.BorrowRecord, error)
	MarkReturned(db *gorm.DB, recordID uuid.UUID, returnedAt time.Time, feeCents int64) error
	ListOpenByPatron(db *gorm.DB, patronID models.PatronID) ([]models.BorrowRecord, error)
	ListByPatron(db *gorm.DB, patronID models.PatronID) ([]models.BorrowRecord, error)
}

// concrete implementations

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Create(book).Error
}

func (r *bookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&book, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) GetByISBN(db *gorm.DB, isbn models.ISBN13) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "isbn = ?", string(isbn)).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) List(db *gorm.DB) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	var books []models.Book
	if err := db.Order("title ASC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) Search(db *gorm.DB, term, field string) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	q := db.Order("title ASC")
	switch field {
	case SearchFieldISBN:
		q = q.Where("isbn = ?", term)
	case SearchFieldTitle, SearchFieldAuthor:
		// LOWER + LIKE rather than ILIKE so the query behaves identically
		// on postgres and the in-memory test database.
		q = q.Where(fmt.Sprintf("LOWER(%s) LIKE ?", field), "%"+strings.ToLower(term)+"%")
	default:
		return nil, fmt.Errorf("unknown search field %q", field)
	}
	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) AdjustAvailable(db *gorm.DB, bookID uuid.UUID, delta int) error {
	if db == nil {
		db = r.db
	}
	// Guarded update: the WHERE clause is what keeps 0 <= available <= total
	// atomic at the database, even without the row lock.
	res := db.Model(&models.Book{}).
		Where("id = ? AND available_copies + ? >= 0 AND available_copies + ? <= total_copies",
			bookID, delta, delta).
		UpdateColumn("available_copies", gorm.Expr("available_copies + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAvailabilityConflict
	}
	return nil
}

type borrowRecordRepository struct {
	db *gorm.DB
}

func NewBorrowRecordRepository(db *gorm.DB) BorrowRecordRepository {
	return &borrowRecordRepository{db: db}
}

func (r *borrowRecordRepository) Create(db *gorm.DB, record *models.BorrowRecord) error {
	if db == nil {
		db = r.db
	}
	return db.Create(record).Error
}

func (r *borrowRecordRepository) CountOpenByPatron(db *gorm.DB, patronID models.PatronID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var count int64
	err := db.Model(&models.BorrowRecord{}).
		Where("patron_id = ? AND returned_at IS NULL", string(patronID)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *borrowRecordRepository) GetOpen(db *gorm.DB, patronID models.PatronID, bookID uuid.UUID) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var record models.BorrowRecord
	err := db.
		Where("patron_id = ? AND book_id = ? AND returned_at IS NULL", string(patronID), bookID).
		Order("borrowed_at ASC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *borrowRecordRepository) GetOpenForUpdate(db *gorm.DB, patronID models.PatronID, bookID uuid.UUID) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var record models.BorrowRecord
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("patron_id = ? AND book_id = ? AND returned_at IS NULL", string(patronID), bookID).
		Order("borrowed_at ASC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *borrowRecordRepository) MarkReturned(db *gorm.DB, recordID uuid.UUID, returnedAt time.Time, feeCents int64) error {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.BorrowRecord{}).
		Where("id = ? AND returned_at IS NULL", recordID).
		Updates(map[string]interface{}{
			"returned_at": returnedAt,
			"fee_cents":   feeCents,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *borrowRecordRepository) ListOpenByPatron(db *gorm.DB, patronID models.PatronID) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var records []models.BorrowRecord
	err := db.Preload("Book").
		Where("patron_id = ? AND returned_at IS NULL", string(patronID)).
		Order("due_date ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *borrowRecordRepository) ListByPatron(db *gorm.DB, patronID models.PatronID) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var records []models.BorrowRecord
	err := db.Preload("Book").
		Where("patron_id = ?", string(patronID)).
		Order("borrowed_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
