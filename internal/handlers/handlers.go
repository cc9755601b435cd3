package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"library/internal/models"
	"library/internal/services"
)

type LibraryHandler struct {
	svc services.LibraryService
}

func RegisterRoutes(r *gin.Engine, svc services.LibraryService) {
	h := &LibraryHandler{svc: svc}

	// Catalog endpoints
	r.POST("/books", h.addBook)
	r.GET("/books", h.listBooks)
	r.GET("/books/search", h.searchBooks)

	// Circulation endpoints
	r.POST("/books/:id/borrow", h.borrowBook)
	r.POST("/books/:id/return", h.returnBook)
	r.GET("/books/:id/fee", h.lateFeeQuote)

	// Patron endpoints
	r.GET("/patrons/:id/status", h.patronStatus)
}

// ─── Response Envelope ────────────────────────────────────────────────────────

// Every endpoint answers with {"status": "ok"|"error", "data": ..., "message": ...}.

func respondOK(c *gin.Context, code int, data interface{}, message string) {
	c.JSON(code, gin.H{
		"status":  "ok",
		"data":    data,
		"message": message,
	})
}

func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, services.ErrBookNotFound),
		errors.Is(err, services.ErrNoOpenBorrow):
		code = http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateISBN),
		errors.Is(err, services.ErrNoAvailableCopies),
		errors.Is(err, services.ErrBorrowLimitReached):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{
		"status":  "error",
		"data":    nil,
		"message": err.Error(),
	})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  "error",
		"data":    nil,
		"message": message,
	})
}

func feeDollars(cents int64) float64 {
	return float64(cents) / 100
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

type addBookRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	ISBN        string `json:"isbn" binding:"required"`
	TotalCopies int    `json:"total_copies" binding:"required"`
}

func (h *LibraryHandler) addBook(c *gin.Context) {
	var req addBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	book, err := h.svc.AddBook(req.Title, req.Author, req.ISBN, req.TotalCopies)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, book, fmt.Sprintf("book %q added to the catalog", book.Title))
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, books, "")
}

func (h *LibraryHandler) searchBooks(c *gin.Context) {
	term := c.Query("q")
	field := c.DefaultQuery("field", "title")

	books, err := h.svc.SearchBooks(term, field)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, books, fmt.Sprintf("%d result(s)", len(books)))
}

// ─── Circulation ──────────────────────────────────────────────────────────────

type circulationRequest struct {
	PatronID string `json:"patron_id" binding:"required"`
}

func (h *LibraryHandler) borrowBook(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid book id")
		return
	}

	var req circulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	record, err := h.svc.BorrowBook(req.PatronID, bookID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, record,
		fmt.Sprintf("borrowed successfully, due %s", record.DueDate.Format("2006-01-02")))
}

func (h *LibraryHandler) returnBook(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid book id")
		return
	}

	var req circulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	record, err := h.svc.ReturnBook(req.PatronID, bookID)
	if err != nil {
		respondError(c, err)
		return
	}

	msg := "returned successfully, no late fee"
	if record.FeeCents != nil && *record.FeeCents > 0 {
		msg = fmt.Sprintf("returned successfully, late fee $%.2f", feeDollars(*record.FeeCents))
	}
	respondOK(c, http.StatusOK, record, msg)
}

func (h *LibraryHandler) lateFeeQuote(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid book id")
		return
	}
	patronID := c.Query("patron_id")

	quote, err := h.svc.CalculateLateFee(patronID, bookID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"fee_amount":   feeDollars(quote.FeeCents),
		"days_overdue": quote.DaysOverdue,
	}, "")
}

// ─── Patrons ──────────────────────────────────────────────────────────────────

func (h *LibraryHandler) patronStatus(c *gin.Context) {
	status, err := h.svc.GetPatronStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"patron_id":          status.PatronID,
		"currently_borrowed": status.CurrentlyBorrowed,
		"total_late_fees":    feeDollars(status.TotalFeeCents),
		"open_borrow_count":  status.OpenBorrowCount,
		"history":            status.History,
	}, "")
}
