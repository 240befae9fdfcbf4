package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// Book is the catalog record the circulation engine works against. Only the
// copy counters are touched by borrowing; everything else belongs to catalog
// management.
type Book struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	BorrowedCopies  int       `json:"borrowedCopies"`
	BorrowCount     int       `json:"borrowCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Role is the capability level of a member.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleGuest:
		return true
	}
	return false
}

// Member represents a registered library member.
type Member struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"` // Don't serialize password hash
	CreatedAt    time.Time `json:"createdAt"`
}

// Principal is the authenticated caller of an engine operation.
type Principal struct {
	MemberID int64
	Role     Role
}

// LoanStatus is the lifecycle state of a borrow transaction.
type LoanStatus string

const (
	StatusBorrowed LoanStatus = "borrowed"
	StatusReturned LoanStatus = "returned"
	// StatusOverdue is never stored. It is reported for borrowed loans past
	// their due date.
	StatusOverdue LoanStatus = "overdue"
)

// LoanFine is the fine summary embedded in a transaction.
type LoanFine struct {
	Amount   decimal.Decimal `json:"amount"`
	Paid     bool            `json:"paid"`
	PaidDate *time.Time      `json:"paidDate,omitempty"`
}

// Transaction records one borrow-to-return lifecycle of a single copy.
type Transaction struct {
	ID           string     `json:"id"`
	MemberID     int64      `json:"memberId"`
	BookID       int64      `json:"bookId"`
	BorrowDate   time.Time  `json:"borrowDate"`
	DueDate      time.Time  `json:"dueDate"`
	ReturnDate   *time.Time `json:"returnDate,omitempty"`
	Status       LoanStatus `json:"status"`
	Fine         LoanFine   `json:"fine"`
	RenewalCount int        `json:"renewalCount"`

	Book *Book `json:"book,omitempty"`
}

// IsOverdue reports whether the loan is still out and past its due date.
func (t *Transaction) IsOverdue(now time.Time) bool {
	return t.Status == StatusBorrowed && now.After(t.DueDate)
}

// EffectiveStatus is the status as it should be reported at now.
func (t *Transaction) EffectiveStatus(now time.Time) LoanStatus {
	if t.IsOverdue(now) {
		return StatusOverdue
	}
	return t.Status
}

// FineStatus is the payment state of a fine.
type FineStatus string

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
	FineWaived  FineStatus = "waived"
)

// Fine is a monetary penalty raised once per late return.
type Fine struct {
	ID            string          `json:"id"`
	MemberID      int64           `json:"memberId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        FineStatus      `json:"status"`
	PaidDate      *time.Time      `json:"paidDate,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// HistoryEntry is the denormalized borrowing history kept on a member.
type HistoryEntry struct {
	BookID     int64      `json:"bookId"`
	BorrowDate time.Time  `json:"borrowDate"`
	DueDate    time.Time  `json:"dueDate"`
	ReturnDate *time.Time `json:"returnDate,omitempty"`
	Status     LoanStatus `json:"status"`
}

// HistoryPatch is applied to the latest open history entry on return.
type HistoryPatch struct {
	ReturnDate time.Time
	Status     LoanStatus
}

// ListQuery selects a page of transactions across all members.
type ListQuery struct {
	Status   LoanStatus
	Page     int
	PageSize int
}

// FineQuery selects a page of fines.
type FineQuery struct {
	Status   FineStatus
	MemberID int64
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// normalizePage applies the paging defaults and returns the row offset.
func normalizePage(page, size int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size, (page - 1) * size
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"currentPage"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

func newPage[T any](items []T, total, page, size int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	return &Page[T]{Items: items, Total: total, Page: page, PageSize: size, TotalPages: pages}
}
