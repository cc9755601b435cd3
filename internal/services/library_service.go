package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"library/internal/models"
	"library/internal/repositories"
)

// ─── Borrowing & Fee Constants ────────────────────────────────────────────────

const (
	// LoanPeriodDays is the number of days a patron may keep a book before
	// late fees start accruing.
	LoanPeriodDays = 14

	// MaxOpenBorrows is the number of un-returned records a patron may hold.
	// The cap is inclusive: a patron at 5 open loans is rejected on the 6th.
	MaxOpenBorrows = 5

	// DailyLateFeeCents is charged per day for the first EscalationDays
	// overdue days.
	DailyLateFeeCents int64 = 50

	// EscalatedLateFeeCents is charged per day beyond EscalationDays.
	EscalatedLateFeeCents int64 = 100

	// EscalationDays is the overdue-day count after which the daily fee doubles.
	EscalationDays = 7

	// MaxLateFeeCents caps the total fee for a single loan.
	MaxLateFeeCents int64 = 1500
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrDuplicateISBN is returned when a book with the same ISBN already
	// exists in the catalog.
	ErrDuplicateISBN = errors.New("a book with this ISBN already exists")

	// ErrBookNotFound is returned when the requested book does not exist.
	ErrBookNotFound = errors.New("book not found")

	// ErrNoAvailableCopies is returned when all copies of a book are out.
	ErrNoAvailableCopies = errors.New("no available copies")

	// ErrBorrowLimitReached is returned when a patron already holds
	// MaxOpenBorrows un-returned records.
	ErrBorrowLimitReached = errors.New("maximum borrowing limit reached")

	// ErrNoOpenBorrow is returned when a return or fee lookup references a
	// book the patron has not currently borrowed.
	ErrNoOpenBorrow = errors.New("book is not currently borrowed by this patron")
)

// ─── Result Types ─────────────────────────────────────────────────────────────

// FeeQuote is the read-only answer to "what would this loan cost if returned now".
type FeeQuote struct {
	FeeCents    int64 `json:"fee_cents"`
	DaysOverdue int   `json:"days_overdue"`
}

// BorrowedBook is one currently-open loan in a patron status report.
type BorrowedBook struct {
	BookID      uuid.UUID `json:"book_id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	BorrowedAt  time.Time `json:"borrowed_at"`
	DueDate     time.Time `json:"due_date"`
	IsOverdue   bool      `json:"is_overdue"`
	DaysOverdue int       `json:"days_overdue"`
}

// HistoryEntry is one record (open or returned) in a patron's full history.
type HistoryEntry struct {
	BookID     uuid.UUID  `json:"book_id"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueDate    time.Time  `json:"due_date"`
	ReturnedAt *time.Time `json:"returned_at"`
	Returned   bool       `json:"returned"`
	FeeCents   *int64     `json:"fee_cents"`
}

// PatronStatus is the full per-patron report. It only ever contains records
// belonging to the requested patron.
type PatronStatus struct {
	PatronID          models.PatronID `json:"patron_id"`
	CurrentlyBorrowed []BorrowedBook  `json:"currently_borrowed"`
	TotalFeeCents     int64           `json:"total_fee_cents"`
	OpenBorrowCount   int             `json:"open_borrow_count"`
	History           []HistoryEntry  `json:"history"`
}

// ─── Service Interface ────────────────────────────────────────────────────────

// LibraryService defines the application-level operations of the library system.
type LibraryService interface {
	AddBook(title, author, isbn string, totalCopies int) (*models.Book, error)
	ListBooks() ([]models.Book, error)
	SearchBooks(term, field string) ([]models.Book, error)

	BorrowBook(patronID string, bookID uuid.UUID) (*models.BorrowRecord, error)
	ReturnBook(patronID string, bookID uuid.UUID) (*models.BorrowRecord, error)

	CalculateLateFee(patronID string, bookID uuid.UUID) (*FeeQuote, error)
	GetPatronStatus(patronID string) (*PatronStatus, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	db         *gorm.DB
	bookRepo   repositories.BookRepository
	recordRepo repositories.BorrowRecordRepository
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	db *gorm.DB,
	bookRepo repositories.BookRepository,
	recordRepo repositories.BorrowRecordRepository,
) LibraryService {
	return &libraryService{
		db:         db,
		bookRepo:   bookRepo,
		recordRepo: recordRepo,
	}
}

// ─── Catalog Management ───────────────────────────────────────────────────────

// AddBook validates all fields, rejects duplicate ISBNs, and creates the book
// with every copy available.
func (s *libraryService) AddBook(title, author, isbn string, totalCopies int) (*models.Book, error) {
	title = strings.TrimSpace(title)
	author = strings.TrimSpace(author)

	if title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	if utf8.RuneCountInString(title) > models.MaxTitleLen {
		return nil, fmt.Errorf("%w: title must be at most %d characters", models.ErrValidation, models.MaxTitleLen)
	}
	if author == "" {
		return nil, fmt.Errorf("%w: author is required", models.ErrValidation)
	}
	if utf8.RuneCountInString(author) > models.MaxAuthorLen {
		return nil, fmt.Errorf("%w: author must be at most %d characters", models.ErrValidation, models.MaxAuthorLen)
	}
	parsedISBN, err := models.NewISBN13(isbn)
	if err != nil {
		return nil, err
	}
	if totalCopies <= 0 {
		return nil, fmt.Errorf("%w: total copies must be a positive integer", models.ErrValidation)
	}

	book := &models.Book{
		Title:           title,
		Author:          author,
		ISBN:            parsedISBN,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.bookRepo.GetByISBN(tx, parsedISBN); err == nil {
			return ErrDuplicateISBN
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.bookRepo.Create(tx, book); err != nil {
			// The unique index on isbn backstops the pre-check under
			// concurrent inserts.
			if isUniqueViolation(err) {
				return ErrDuplicateISBN
			}
			log.Printf("[ERROR] AddBook: failed to create book record: %v", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] AddBook: added %q by %s (id=%s, copies=%d)", book.Title, book.Author, book.ID, totalCopies)
	return book, nil
}

// ListBooks returns the whole catalog.
func (s *libraryService) ListBooks() ([]models.Book, error) {
	return s.bookRepo.List(nil)
}

// SearchBooks looks up catalog entries by title, author, or isbn. Title and
// author match case-insensitively on substrings; isbn matches exactly. A blank
// term or an unknown field yields an empty result rather than an error.
func (s *libraryService) SearchBooks(term, field string) ([]models.Book, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []models.Book{}, nil
	}
	switch field {
	case repositories.SearchFieldTitle, repositories.SearchFieldAuthor, repositories.SearchFieldISBN:
	default:
		return []models.Book{}, nil
	}
	books, err := s.bookRepo.Search(nil, term, field)
	if err != nil {
		return nil, err
	}
	if books == nil {
		books = []models.Book{}
	}
	return books, nil
}

// ─── Borrow ───────────────────────────────────────────────────────────────────

// BorrowBook implements the transactional borrow flow.
//
// Steps (all in one transaction):
//  1. Lock the book row (FOR UPDATE).
//  2. Reject if no copies are available.
//  3. Reject if the patron already holds MaxOpenBorrows open records.
//  4. Decrement available_copies via the guarded atomic update.
//  5. Create the BorrowRecord with due date = now + LoanPeriodDays.
func (s *libraryService) BorrowBook(patronID string, bookID uuid.UUID) (*models.BorrowRecord, error) {
	pid, err := models.NewPatronID(patronID)
	if err != nil {
		return nil, err
	}

	var record *models.BorrowRecord

	err = s.db.Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByIDForUpdate(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		if book.AvailableCopies <= 0 {
			log.Printf("[WARN] BorrowBook: no copies of book %s for patron %s", bookID, pid)
			return ErrNoAvailableCopies
		}

		open, err := s.recordRepo.CountOpenByPatron(tx, pid)
		if err != nil {
			return err
		}
		if open >= MaxOpenBorrows {
			log.Printf("[WARN] BorrowBook: patron %s at borrow limit (%d open)", pid, open)
			return ErrBorrowLimitReached
		}

		if err := s.bookRepo.AdjustAvailable(tx, bookID, -1); err != nil {
			if errors.Is(err, repositories.ErrAvailabilityConflict) {
				return ErrNoAvailableCopies
			}
			log.Printf("[ERROR] BorrowBook: failed to decrement available copies for book %s: %v", bookID, err)
			return err
		}

		now := time.Now().UTC()
		record = &models.BorrowRecord{
			PatronID:   pid,
			BookID:     bookID,
			BorrowedAt: now,
			DueDate:    now.AddDate(0, 0, LoanPeriodDays),
		}
		if err := s.recordRepo.Create(tx, record); err != nil {
			log.Printf("[ERROR] BorrowBook: failed to create borrow record: %v", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[INFO] BorrowBook: patron %s borrowed book %s (record=%s), due %s",
		pid, bookID, record.ID, record.DueDate.Format("2006-01-02"))
	return record, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// ReturnBook implements the transactional return flow.
//
// Steps (all in one transaction):
//  1. Lock the patron's open record for the book (FOR UPDATE).
//  2. Compute the late fee from the due date.
//  3. Mark the record returned, storing the fee.
//  4. Increment available_copies via the guarded atomic update.
func (s *libraryService) ReturnBook(patronID string, bookID uuid.UUID) (*models.BorrowRecord, error) {
	pid, err := models.NewPatronID(patronID)
	if err != nil {
		return nil, err
	}

	var record *models.BorrowRecord

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.bookRepo.GetByID(tx, bookID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		rec, err := s.recordRepo.GetOpenForUpdate(tx, pid, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoOpenBorrow
			}
			return err
		}

		now := time.Now().UTC()
		fee := LateFee(rec.DueDate, now)

		if err := s.recordRepo.MarkReturned(tx, rec.ID, now, fee); err != nil {
			log.Printf("[ERROR] ReturnBook: failed to mark record %s returned: %v", rec.ID, err)
			return err
		}
		if err := s.bookRepo.AdjustAvailable(tx, bookID, 1); err != nil {
			log.Printf("[ERROR] ReturnBook: failed to increment available copies for book %s: %v", bookID, err)
			return err
		}

		rec.ReturnedAt = &now
		rec.FeeCents = &fee
		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[INFO] ReturnBook: patron %s returned book %s (record=%s), fee=%d cents",
		pid, bookID, record.ID, *record.FeeCents)
	return record, nil
}

// ─── Fee Quote ────────────────────────────────────────────────────────────────

// CalculateLateFee reports the fee a patron would owe if they returned the
// book right now. Read-only; nothing is charged or stored.
func (s *libraryService) CalculateLateFee(patronID string, bookID uuid.UUID) (*FeeQuote, error) {
	pid, err := models.NewPatronID(patronID)
	if err != nil {
		return nil, err
	}

	if _, err := s.bookRepo.GetByID(nil, bookID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}

	rec, err := s.recordRepo.GetOpen(nil, pid, bookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoOpenBorrow
		}
		return nil, err
	}

	now := time.Now().UTC()
	return &FeeQuote{
		FeeCents:    LateFee(rec.DueDate, now),
		DaysOverdue: OverdueDays(rec.DueDate, now),
	}, nil
}

// ─── Patron Status ────────────────────────────────────────────────────────────

// GetPatronStatus builds the full per-patron report: open loans with due dates
// and overdue counts, the sum of all fees ever charged, and the complete
// borrow history. Every query is scoped to the one patron ID.
func (s *libraryService) GetPatronStatus(patronID string) (*PatronStatus, error) {
	pid, err := models.NewPatronID(patronID)
	if err != nil {
		return nil, err
	}

	open, err := s.recordRepo.ListOpenByPatron(nil, pid)
	if err != nil {
		return nil, err
	}
	history, err := s.recordRepo.ListByPatron(nil, pid)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	status := &PatronStatus{
		PatronID:          pid,
		CurrentlyBorrowed: make([]BorrowedBook, 0, len(open)),
		OpenBorrowCount:   len(open),
		History:           make([]HistoryEntry, 0, len(history)),
	}

	for _, rec := range open {
		days := OverdueDays(rec.DueDate, now)
		status.CurrentlyBorrowed = append(status.CurrentlyBorrowed, BorrowedBook{
			BookID:      rec.BookID,
			Title:       rec.Book.Title,
			Author:      rec.Book.Author,
			BorrowedAt:  rec.BorrowedAt,
			DueDate:     rec.DueDate,
			IsOverdue:   days > 0,
			DaysOverdue: days,
		})
	}

	for _, rec := range history {
		status.History = append(status.History, HistoryEntry{
			BookID:     rec.BookID,
			Title:      rec.Book.Title,
			Author:     rec.Book.Author,
			BorrowedAt: rec.BorrowedAt,
			DueDate:    rec.DueDate,
			ReturnedAt: rec.ReturnedAt,
			Returned:   !rec.Open(),
			FeeCents:   rec.FeeCents,
		})
		if rec.FeeCents != nil {
			status.TotalFeeCents += *rec.FeeCents
		}
	}

	return status, nil
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

// isUniqueViolation checks for a unique-constraint error from either backend:
// PostgreSQL error code 23505, or sqlite's "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "UNIQUE constraint failed")
}

// ─── Late Fee Calculation ─────────────────────────────────────────────────────

// LateFee computes the fee (in cents) for a loan due at dueDate and returned
// at returnedAt.
//
// Rules:
//   - On time (returnedAt <= dueDate): no fee.
//   - First EscalationDays overdue days: DailyLateFeeCents per day.
//   - Each day beyond that: EscalatedLateFeeCents per day.
//   - Total capped at MaxLateFeeCents.
//
// Overdue days are whole 24-hour periods; a return less than a full day late
// charges nothing.
func LateFee(dueDate, returnedAt time.Time) int64 {
	days := OverdueDays(dueDate, returnedAt)
	if days <= 0 {
		return 0
	}

	var fee int64
	if days <= EscalationDays {
		fee = int64(days) * DailyLateFeeCents
	} else {
		fee = EscalationDays*DailyLateFeeCents + int64(days-EscalationDays)*EscalatedLateFeeCents
	}
	if fee > MaxLateFeeCents {
		fee = MaxLateFeeCents
	}
	return fee
}

// OverdueDays returns the number of whole days at is past dueDate, or 0 if
// the loan is not overdue.
func OverdueDays(dueDate, at time.Time) int {
	if !at.After(dueDate) {
		return 0
	}
	return int(at.Sub(dueDate) / (24 * time.Hour))
}
