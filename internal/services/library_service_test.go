package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"library/internal/models"
	"library/internal/repositories"
)

// newTestService opens a fresh in-memory database per test. The pool is pinned
// to a single connection so every query sees the same :memory: database.
func newTestService(t *testing.T) (LibraryService, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Book{}, &models.BorrowRecord{}))

	svc := NewLibraryService(db, repositories.NewBookRepository(db), repositories.NewBorrowRecordRepository(db))
	return svc, db
}

func addTestBook(t *testing.T, svc LibraryService, title, author, isbn string, copies int) *models.Book {
	t.Helper()
	book, err := svc.AddBook(title, author, isbn, copies)
	require.NoError(t, err)
	return book
}

// backdateDueDate rewrites a record's due date so return/fee paths can be
// exercised without waiting out the loan period.
func backdateDueDate(t *testing.T, db *gorm.DB, recordID uuid.UUID, daysAgo int) {
	t.Helper()
	past := time.Now().UTC().AddDate(0, 0, -daysAgo)
	err := db.Model(&models.BorrowRecord{}).
		Where("id = ?", recordID).
		Update("due_date", past).Error
	require.NoError(t, err)
}

// ─── AddBook ──────────────────────────────────────────────────────────────────

func TestAddBookThenSearchByISBN(t *testing.T) {
	svc, _ := newTestService(t)

	book := addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 4)
	assert.Equal(t, 4, book.TotalCopies)
	assert.Equal(t, 4, book.AvailableCopies)
	assert.NotEqual(t, uuid.Nil, book.ID)

	results, err := svc.SearchBooks("9780261102217", "isbn")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, book.ID, results[0].ID)
	assert.Equal(t, results[0].TotalCopies, results[0].AvailableCopies)
}

func TestAddBookValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name   string
		title  string
		author string
		isbn   string
		copies int
	}{
		{name: "blank title", title: "   ", author: "Author", isbn: "1234567890123", copies: 1},
		{name: "title too long", title: strings.Repeat("x", 201), author: "Author", isbn: "1234567890123", copies: 1},
		{name: "blank author", title: "Title", author: "", isbn: "1234567890123", copies: 1},
		{name: "author too long", title: "Title", author: strings.Repeat("x", 101), isbn: "1234567890123", copies: 1},
		{name: "isbn too short", title: "Title", author: "Author", isbn: "123456789", copies: 1},
		{name: "isbn with letters", title: "Title", author: "Author", isbn: "12345678901ab", copies: 1},
		{name: "zero copies", title: "Title", author: "Author", isbn: "1234567890123", copies: 0},
		{name: "negative copies", title: "Title", author: "Author", isbn: "1234567890123", copies: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddBook(tt.title, tt.author, tt.isbn, tt.copies)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrValidation), "expected a validation error, got %v", err)
		})
	}
}

func TestAddBookBoundaryLengthsAccepted(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.AddBook(strings.Repeat("t", 200), strings.Repeat("a", 100), "1234567890123", 1)
	require.NoError(t, err)
}

func TestAddBookLimitsCountCharactersNotBytes(t *testing.T) {
	svc, _ := newTestService(t)

	// 200 two-byte characters is 400 bytes but still within the title limit.
	_, err := svc.AddBook(strings.Repeat("ü", 200), strings.Repeat("é", 100), "9783161484100", 1)
	require.NoError(t, err)

	_, err = svc.AddBook(strings.Repeat("ü", 201), "Author", "9783161484101", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = svc.AddBook("Title", strings.Repeat("é", 101), "9783161484102", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAddBookDuplicateISBN(t *testing.T) {
	svc, _ := newTestService(t)

	addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 2)

	_, err := svc.AddBook("Another Edition", "J.R.R. Tolkien", "9780261102217", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateISBN))
}

// ─── Search ───────────────────────────────────────────────────────────────────

func TestSearchBooksAuthorCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)

	book := addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 1)
	addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	for _, term := range []string{"tolkien", "TOLKIEN", "Tolkien"} {
		results, err := svc.SearchBooks(term, "author")
		require.NoError(t, err)
		require.Len(t, results, 1, "term %q", term)
		assert.Equal(t, book.ID, results[0].ID)
	}
}

func TestSearchBooksTitleSubstring(t *testing.T) {
	svc, _ := newTestService(t)

	addTestBook(t, svc, "The Fellowship of the Ring", "J.R.R. Tolkien", "9780261102354", 1)
	addTestBook(t, svc, "The Two Towers", "J.R.R. Tolkien", "9780261102361", 1)

	results, err := svc.SearchBooks("fellowship", "title")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "The Fellowship of the Ring", results[0].Title)
}

func TestSearchBooksBlankTermOrUnknownField(t *testing.T) {
	svc, _ := newTestService(t)
	addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	results, err := svc.SearchBooks("   ", "title")
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = svc.SearchBooks("Dune", "publisher")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestListBooks(t *testing.T) {
	svc, _ := newTestService(t)

	addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)
	addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 1)

	books, err := svc.ListBooks()
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "The Hobbit", books[1].Title)
}

// ─── Borrow ───────────────────────────────────────────────────────────────────

func TestBorrowBookDecrementsAvailable(t *testing.T) {
	svc, db := newTestService(t)

	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 3)

	record, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PatronID("123456"), record.PatronID)
	assert.True(t, record.Open())

	wantDue := record.BorrowedAt.AddDate(0, 0, LoanPeriodDays)
	assert.Equal(t, wantDue, record.DueDate)

	var stored models.Book
	require.NoError(t, db.First(&stored, "id = ?", book.ID).Error)
	assert.Equal(t, 2, stored.AvailableCopies)
	assert.Equal(t, 3, stored.TotalCopies)
}

func TestBorrowBookInvalidPatronID(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	for _, pid := range []string{"", "12345", "1234567", "12345a"} {
		_, err := svc.BorrowBook(pid, book.ID)
		require.Error(t, err, "patron id %q", pid)
		assert.True(t, errors.Is(err, models.ErrValidation))
	}
}

func TestBorrowBookUnknownBook(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.BorrowBook("123456", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookNotFound))
}

func TestBorrowBookNoAvailableCopies(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.BorrowBook("111111", book.ID)
	require.NoError(t, err)

	_, err = svc.BorrowBook("222222", book.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAvailableCopies))
}

func TestBorrowBookLimitRejectsSixth(t *testing.T) {
	svc, _ := newTestService(t)

	var books []*models.Book
	for i := 0; i < 6; i++ {
		isbn := fmt.Sprintf("978000000000%d", i)
		books = append(books, addTestBook(t, svc, fmt.Sprintf("Book %d", i), "Author", isbn, 1))
	}

	// Five open loans are allowed.
	for i := 0; i < MaxOpenBorrows; i++ {
		_, err := svc.BorrowBook("123456", books[i].ID)
		require.NoError(t, err, "borrow %d should succeed", i+1)
	}

	// The sixth is rejected: the cap is >= 5, not > 5.
	_, err := svc.BorrowBook("123456", books[5].ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBorrowLimitReached))

	// Returning one reopens capacity.
	_, err = svc.ReturnBook("123456", books[0].ID)
	require.NoError(t, err)
	_, err = svc.BorrowBook("123456", books[5].ID)
	require.NoError(t, err)
}

// ─── Return ───────────────────────────────────────────────────────────────────

func TestReturnBookOnTime(t *testing.T) {
	svc, db := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 2)

	_, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)

	record, err := svc.ReturnBook("123456", book.ID)
	require.NoError(t, err)
	require.NotNil(t, record.ReturnedAt)
	require.NotNil(t, record.FeeCents)
	assert.Equal(t, int64(0), *record.FeeCents)

	var stored models.Book
	require.NoError(t, db.First(&stored, "id = ?", book.ID).Error)
	assert.Equal(t, 2, stored.AvailableCopies)
}

func TestReturnBookOverdueChargesFee(t *testing.T) {
	svc, db := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	record, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)
	backdateDueDate(t, db, record.ID, 10)

	returned, err := svc.ReturnBook("123456", book.ID)
	require.NoError(t, err)
	require.NotNil(t, returned.FeeCents)
	// 7 days at 50c + 3 days at 100c.
	assert.Equal(t, int64(650), *returned.FeeCents)
}

func TestReturnBookWithoutOpenBorrow(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.ReturnBook("123456", book.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOpenBorrow))
}

func TestReturnBookTwiceFails(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)
	_, err = svc.ReturnBook("123456", book.ID)
	require.NoError(t, err)

	_, err = svc.ReturnBook("123456", book.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOpenBorrow))
}

func TestAvailableNeverExceedsTotalAcrossCycles(t *testing.T) {
	svc, db := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 2)

	for i := 0; i < 3; i++ {
		_, err := svc.BorrowBook("123456", book.ID)
		require.NoError(t, err)
		_, err = svc.ReturnBook("123456", book.ID)
		require.NoError(t, err)
	}

	var stored models.Book
	require.NoError(t, db.First(&stored, "id = ?", book.ID).Error)
	assert.Equal(t, stored.TotalCopies, stored.AvailableCopies)
}

// ─── Fee Quote ────────────────────────────────────────────────────────────────

func TestCalculateLateFeeNotOverdue(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)

	quote, err := svc.CalculateLateFee("123456", book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), quote.FeeCents)
	assert.Equal(t, 0, quote.DaysOverdue)
}

func TestCalculateLateFeeOverdue(t *testing.T) {
	svc, db := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	record, err := svc.BorrowBook("123456", book.ID)
	require.NoError(t, err)
	backdateDueDate(t, db, record.ID, 10)

	quote, err := svc.CalculateLateFee("123456", book.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(650), quote.FeeCents)
	assert.Equal(t, 10, quote.DaysOverdue)
}

func TestCalculateLateFeeErrors(t *testing.T) {
	svc, _ := newTestService(t)
	book := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.CalculateLateFee("12", book.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = svc.CalculateLateFee("123456", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookNotFound))

	_, err = svc.CalculateLateFee("123456", book.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOpenBorrow))
}

// ─── Patron Status ────────────────────────────────────────────────────────────

func TestGetPatronStatus(t *testing.T) {
	svc, db := newTestService(t)

	hobbit := addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 1)
	dune := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	// One returned late, one still open.
	record, err := svc.BorrowBook("123456", hobbit.ID)
	require.NoError(t, err)
	backdateDueDate(t, db, record.ID, 3)
	_, err = svc.ReturnBook("123456", hobbit.ID)
	require.NoError(t, err)

	_, err = svc.BorrowBook("123456", dune.ID)
	require.NoError(t, err)

	status, err := svc.GetPatronStatus("123456")
	require.NoError(t, err)

	assert.Equal(t, models.PatronID("123456"), status.PatronID)
	assert.Equal(t, 1, status.OpenBorrowCount)
	require.Len(t, status.CurrentlyBorrowed, 1)
	assert.Equal(t, "Dune", status.CurrentlyBorrowed[0].Title)
	assert.False(t, status.CurrentlyBorrowed[0].IsOverdue)

	// 3 days at 50c on the returned Hobbit loan.
	assert.Equal(t, int64(150), status.TotalFeeCents)

	require.Len(t, status.History, 2)
	assert.True(t, status.History[0].Returned)
	assert.Equal(t, "The Hobbit", status.History[0].Title)
	assert.False(t, status.History[1].Returned)
}

func TestGetPatronStatusIsolation(t *testing.T) {
	svc, _ := newTestService(t)

	hobbit := addTestBook(t, svc, "The Hobbit", "J.R.R. Tolkien", "9780261102217", 1)
	dune := addTestBook(t, svc, "Dune", "Frank Herbert", "9780441172719", 1)

	_, err := svc.BorrowBook("111111", hobbit.ID)
	require.NoError(t, err)
	_, err = svc.BorrowBook("222222", dune.ID)
	require.NoError(t, err)

	status, err := svc.GetPatronStatus("111111")
	require.NoError(t, err)

	require.Len(t, status.CurrentlyBorrowed, 1)
	assert.Equal(t, hobbit.ID, status.CurrentlyBorrowed[0].BookID)
	require.Len(t, status.History, 1)
	assert.Equal(t, hobbit.ID, status.History[0].BookID)
}

func TestGetPatronStatusInvalidID(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetPatronStatus("notdigits")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestGetPatronStatusEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	status, err := svc.GetPatronStatus("999999")
	require.NoError(t, err)
	assert.Empty(t, status.CurrentlyBorrowed)
	assert.Empty(t, status.History)
	assert.Equal(t, 0, status.OpenBorrowCount)
	assert.Equal(t, int64(0), status.TotalFeeCents)
}
