package library

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rules are the circulation limits.
type Rules struct {
	LoanPeriod     time.Duration
	MaxActiveLoans int
	MaxRenewals    int
	FinePerDay     decimal.Decimal
}

// DefaultRules: two-week loans, five books at a time, two renewals and one
// currency unit per late day.
func DefaultRules() Rules {
	return Rules{
		LoanPeriod:     14 * 24 * time.Hour,
		MaxActiveLoans: 5,
		MaxRenewals:    2,
		FinePerDay:     decimal.NewFromInt(1),
	}
}

// Engine enforces the borrowing rules on top of a TxRepository. Each
// operation runs in a single repository transaction, so a rejected or failed
// operation leaves no partial writes behind.
type Engine struct {
	repo    TxRepository
	rules   Rules
	clock   func() time.Time
	newID   func() (uuid.UUID, error)
	canRet  Policy
	canRen  Policy
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules replaces the default rules.
func WithRules(r Rules) Option { return func(e *Engine) { e.rules = r } }

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithReturnPolicy sets who may return a loan. Default OwnerOrAdmin.
func WithReturnPolicy(p Policy) Option { return func(e *Engine) { e.canRet = p } }

// WithRenewPolicy sets who may renew a loan. Default OwnerOnly.
func WithRenewPolicy(p Policy) Option { return func(e *Engine) { e.canRen = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine returns an Engine over repo.
func NewEngine(repo TxRepository, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		rules:  DefaultRules(),
		clock:  time.Now,
		newID:  uuid.NewV7,
		canRet: OwnerOrAdmin,
		canRen: OwnerOnly,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rules in effect.
func (e *Engine) Rules() Rules { return e.rules }

// now is the clock reading at millisecond precision, matching what the
// ledger persists.
func (e *Engine) now() time.Time {
	return time.UnixMilli(e.clock().UnixMilli()).UTC()
}

// Now reads the engine clock. Callers deriving overdue state use it so
// they agree with the engine.
func (e *Engine) Now() time.Time { return e.now() }

// Borrow lends one copy of bookID to memberID.
//
// Checks run in order and each failure is distinct:
//   - the book must exist
//   - a copy must be available
//   - the member must not already hold this book
//   - the member must hold fewer than MaxActiveLoans books
//
// The transaction, the copy counters and the history entry are written in
// one database transaction.
func (e *Engine) Borrow(ctx context.Context, memberID, bookID int64) (_ *Transaction, err error) {
	start := time.Now()
	var out *Transaction
	defer func() {
		fields := []zap.Field{zap.Int64("member_id", memberID), zap.Int64("book_id", bookID)}
		if out != nil {
			fields = append(fields, zap.String("transaction_id", out.ID), zap.Time("due_date", out.DueDate))
		}
		e.record("borrow", start, err, fields...)
	}()

	now := e.now()
	err = e.repo.WithinTx(ctx, func(r Repository) error {
		book, err := r.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.AvailableCopies <= 0 {
			return ErrBookUnavailable
		}

		held, err := r.HasActiveLoan(ctx, memberID, bookID)
		if err != nil {
			return err
		}
		if held {
			return ErrAlreadyBorrowed
		}

		active, err := r.CountActiveLoans(ctx, memberID)
		if err != nil {
			return err
		}
		if active >= e.rules.MaxActiveLoans {
			return withDetail(ErrBorrowLimitExceeded, "borrowing limit exceeded (max %d books)", e.rules.MaxActiveLoans)
		}

		id, err := e.newID()
		if err != nil {
			return unavailable("generate id", err)
		}
		tx := &Transaction{
			ID:         id.String(),
			MemberID:   memberID,
			BookID:     bookID,
			BorrowDate: now,
			DueDate:    now.Add(e.rules.LoanPeriod),
			Status:     StatusBorrowed,
			Fine:       LoanFine{Amount: decimal.Zero},
		}
		if err := r.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		if err := r.AdjustCopies(ctx, bookID, -1, 1, 1); err != nil {
			return err
		}
		if err := r.AppendHistoryEntry(ctx, memberID, HistoryEntry{
			BookID:     bookID,
			BorrowDate: now,
			DueDate:    tx.DueDate,
			Status:     StatusBorrowed,
		}); err != nil {
			return err
		}

		book.AvailableCopies--
		book.BorrowedCopies++
		book.BorrowCount++
		tx.Book = book
		out = tx
		return nil
	})
	if err != nil {
		out = nil
		return nil, err
	}
	e.metrics.loanCreated()
	return out, nil
}

// Return closes the loan. A late return raises a pending fine of
// DaysOverdue * FinePerDay in the same database transaction.
func (e *Engine) Return(ctx context.Context, transactionID string, caller Principal) (_ *Transaction, err error) {
	start := time.Now()
	var (
		out  *Transaction
		fine *Fine
	)
	defer func() {
		fields := []zap.Field{zap.String("transaction_id", transactionID), zap.Int64("caller_id", caller.MemberID)}
		if fine != nil {
			fields = append(fields, zap.String("fine_id", fine.ID), zap.Stringer("fine_amount", fine.Amount))
		}
		e.record("return", start, err, fields...)
	}()

	now := e.now()
	err = e.repo.WithinTx(ctx, func(r Repository) error {
		tx, err := r.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if !e.canRet(caller, tx) {
			return ErrForbidden
		}
		if tx.Status == StatusReturned {
			return ErrAlreadyReturned
		}

		if f := assessFine(tx, now, e.rules.FinePerDay); f != nil {
			id, err := e.newID()
			if err != nil {
				return unavailable("generate id", err)
			}
			f.ID = id.String()
			if err := r.CreateFine(ctx, f); err != nil {
				return err
			}
			tx.Fine.Amount = f.Amount
			fine = f
		}

		tx.ReturnDate = &now
		tx.Status = StatusReturned
		if err := r.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		if err := r.AdjustCopies(ctx, tx.BookID, 1, -1, 0); err != nil {
			return err
		}
		if err := r.UpdateLatestHistoryEntry(ctx, tx.MemberID, tx.BookID, HistoryPatch{
			ReturnDate: now,
			Status:     StatusReturned,
		}); err != nil {
			return err
		}

		book, err := r.GetBook(ctx, tx.BookID)
		if err != nil {
			return err
		}
		tx.Book = book
		out = tx
		return nil
	})
	if err != nil {
		fine = nil
		return nil, err
	}
	if fine != nil {
		e.metrics.fineIssued(fine.Amount)
	}
	return out, nil
}

// Renew pushes the due date out by one loan period.
func (e *Engine) Renew(ctx context.Context, transactionID string, caller Principal) (_ *Transaction, err error) {
	start := time.Now()
	var out *Transaction
	defer func() {
		fields := []zap.Field{zap.String("transaction_id", transactionID), zap.Int64("caller_id", caller.MemberID)}
		if out != nil {
			fields = append(fields, zap.Int("renewal_count", out.RenewalCount), zap.Time("due_date", out.DueDate))
		}
		e.record("renew", start, err, fields...)
	}()

	err = e.repo.WithinTx(ctx, func(r Repository) error {
		tx, err := r.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if !e.canRen(caller, tx) {
			return ErrForbidden
		}
		if tx.RenewalCount >= e.rules.MaxRenewals {
			return ErrMaxRenewalsReached
		}
		if tx.Status != StatusBorrowed {
			return ErrNotBorrowed
		}

		tx.DueDate = tx.DueDate.Add(e.rules.LoanPeriod)
		tx.RenewalCount++
		if err := r.UpdateTransaction(ctx, tx); err != nil {
			return err
		}

		book, err := r.GetBook(ctx, tx.BookID)
		if err != nil {
			return err
		}
		tx.Book = book
		out = tx
		return nil
	})
	if err != nil {
		out = nil
		return nil, err
	}
	return out, nil
}

// ListUserBorrowings returns every loan of memberID, newest first.
func (e *Engine) ListUserBorrowings(ctx context.Context, memberID int64) ([]*Transaction, error) {
	txs, err := e.repo.ListMemberTransactions(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	return txs, nil
}

// ListAllBorrowings returns one page of loans across all members, newest
// first. An empty status matches everything.
func (e *Engine) ListAllBorrowings(ctx context.Context, q ListQuery) (*Page[*Transaction], error) {
	if q.Status != "" && q.Status != StatusBorrowed && q.Status != StatusReturned && q.Status != StatusOverdue {
		return nil, withDetail(ErrInvalidInput, "unknown status %q", q.Status)
	}
	page, size, _ := normalizePage(q.Page, q.PageSize)
	q.Page, q.PageSize = page, size

	items, total, err := e.repo.ListTransactions(ctx, q, e.now())
	if err != nil {
		return nil, err
	}
	return newPage(items, total, page, size), nil
}

// History returns the member's denormalized borrowing history.
func (e *Engine) History(ctx context.Context, memberID int64) ([]HistoryEntry, error) {
	h, err := e.repo.History(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = []HistoryEntry{}
	}
	return h, nil
}

// record logs the outcome of op and updates the metrics.
func (e *Engine) record(op string, start time.Time, err error, fields ...zap.Field) {
	latency := time.Since(start)
	result := "ok"
	if err != nil {
		result = ReasonOf(err)
		if result == "" {
			result = "error"
		}
	}
	e.metrics.observe(op, result, latency, IsBusy(err))

	fields = append(fields,
		zap.String("op", op),
		zap.String("result", result),
		zap.Duration("latency", latency),
	)
	switch {
	case err == nil:
		e.logger.Info("circulation", fields...)
	case KindOf(err) == KindUnavailable:
		e.logger.Error("circulation", append(fields, zap.Error(err))...)
	default:
		e.logger.Info("circulation rejected", append(fields, zap.String("reason", err.Error()))...)
	}
}
