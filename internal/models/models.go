package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrValidation is the root of every input-format failure. Callers match it
// with errors.Is; the wrapped message names the offending field.
var ErrValidation = errors.New("validation failed")

const (
	MaxTitleLen  = 200
	MaxAuthorLen = 100
	ISBNLen      = 13
	PatronIDLen  = 6
)

// ISBN13 is a 13-digit book identifier, unique per catalog.
// Construct only via NewISBN13.
type ISBN13 string

// NewISBN13 validates that s is exactly 13 digits.
func NewISBN13(s string) (ISBN13, error) {
	s = strings.TrimSpace(s)
	if len(s) != ISBNLen || !allDigits(s) {
		return "", fmt.Errorf("%w: ISBN must be exactly %d digits", ErrValidation, ISBNLen)
	}
	return ISBN13(s), nil
}

// PatronID identifies a library member by a 6-digit ID.
// Construct only via NewPatronID.
type PatronID string

// NewPatronID validates that s is exactly 6 digits.
func NewPatronID(s string) (PatronID, error) {
	s = strings.TrimSpace(s)
	if len(s) != PatronIDLen || !allDigits(s) {
		return "", fmt.Errorf("%w: patron ID must be exactly %d digits", ErrValidation, PatronIDLen)
	}
	return PatronID(s), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

type Book struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title           string    `gorm:"size:200;not null" json:"title"`
	Author          string    `gorm:"size:100;not null" json:"author"`
	ISBN            ISBN13    `gorm:"size:13;not null;uniqueIndex" json:"isbn"`
	TotalCopies     int       `gorm:"not null" json:"total_copies"`
	AvailableCopies int       `gorm:"not null" json:"available_copies"`
}

type BorrowRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	PatronID   PatronID   `gorm:"size:6;not null;index" json:"patron_id"`
	BookID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"book_id"`
	Book       Book       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	BorrowedAt time.Time  `gorm:"not null" json:"borrowed_at"`
	DueDate    time.Time  `gorm:"not null" json:"due_date"`
	ReturnedAt *time.Time `json:"returned_at"`
	FeeCents   *int64     `json:"fee_cents"`
}

// Open reports whether the record is still an active loan.
func (r *BorrowRecord) Open() bool {
	return r.ReturnedAt == nil
}

// IDs are assigned client-side so the models behave the same on postgres and
// the in-memory test database.

func (b *Book) BeforeCreate(_ *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (r *BorrowRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
