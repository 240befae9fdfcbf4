package library

import (
	"context"
	"time"
)

// CatalogAccessor reads book copy state and applies copy-count deltas.
type CatalogAccessor interface {
	GetBook(ctx context.Context, id int64) (*Book, error)
	// AdjustCopies applies the deltas in one conditional update and fails
	// with a conflict if any counter would leave its bounds.
	AdjustCopies(ctx context.Context, id int64, availableDelta, borrowedDelta, borrowCountDelta int) error
}

// TransactionLedger stores borrow transactions.
type TransactionLedger interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	CountActiveLoans(ctx context.Context, memberID int64) (int, error)
	HasActiveLoan(ctx context.Context, memberID, bookID int64) (bool, error)
	ListMemberTransactions(ctx context.Context, memberID int64) ([]*Transaction, error)
	// ListTransactions expects a normalized query. StatusOverdue selects
	// borrowed loans due before now.
	ListTransactions(ctx context.Context, q ListQuery, now time.Time) ([]*Transaction, int, error)
}

// FineLedger stores fines. Status changes belong to the settlement
// workflow only.
type FineLedger interface {
	CreateFine(ctx context.Context, f *Fine) error
	GetFine(ctx context.Context, id string) (*Fine, error)
	FineForTransaction(ctx context.Context, transactionID string) (*Fine, error)
	ListFines(ctx context.Context, q FineQuery) ([]*Fine, int, error)
	UpdateFineStatus(ctx context.Context, f *Fine) error
}

// HistorySink maintains the per-member borrowing history view.
type HistorySink interface {
	AppendHistoryEntry(ctx context.Context, memberID int64, e HistoryEntry) error
	UpdateLatestHistoryEntry(ctx context.Context, memberID, bookID int64, p HistoryPatch) error
	History(ctx context.Context, memberID int64) ([]HistoryEntry, error)
}

// Repository is everything the engine reads and writes.
type Repository interface {
	CatalogAccessor
	TransactionLedger
	FineLedger
	HistorySink
}

// TxRepository runs fn against a Repository bound to one database
// transaction. Any error returned by fn rolls back every write.
type TxRepository interface {
	Repository
	WithinTx(ctx context.Context, fn func(Repository) error) error
}
