package library

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// store implements Repository on top of a connection or a transaction.
type store struct {
	q dbtx
}

var _ Repository = (*store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

const bookColumns = `b.id, b.title, b.author, b.isbn, b.total_copies, b.available_copies,
    b.borrowed_copies, b.borrow_count, b.created_at`

func scanBook(s rowScanner) (*Book, error) {
	var (
		b       Book
		created int64
	)
	if err := s.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.AvailableCopies,
		&b.BorrowedCopies, &b.BorrowCount, &created); err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(created)
	return &b, nil
}

func (s *store) GetBook(ctx context.Context, id int64) (*Book, error) {
	b, err := scanBook(s.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books b WHERE b.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withDetail(ErrBookNotFound, "book %d not found", id)
	}
	if err != nil {
		return nil, unavailable("get book", err)
	}
	return b, nil
}

func (s *store) AdjustCopies(ctx context.Context, id int64, availableDelta, borrowedDelta, borrowCountDelta int) error {
	res, err := s.q.ExecContext(ctx, `
        UPDATE books
        SET available_copies = available_copies + ?,
            borrowed_copies = borrowed_copies + ?,
            borrow_count = borrow_count + ?
        WHERE id = ?
          AND available_copies + ? >= 0
          AND borrowed_copies + ? >= 0
          AND available_copies + ? <= total_copies`,
		availableDelta, borrowedDelta, borrowCountDelta, id,
		availableDelta, borrowedDelta, availableDelta)
	if err != nil {
		return constraintError("adjust copies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("adjust copies", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetBook(ctx, id); err != nil {
		return err
	}
	if availableDelta < 0 {
		return withDetail(ErrBookUnavailable, "book %d has no available copies", id)
	}
	return withDetail(ErrCopyBounds, "book %d copy counters out of range", id)
}

// ---------------------------------------------------------------------------
// Transaction ledger
// ---------------------------------------------------------------------------

const transactionColumns = `t.id, t.member_id, t.book_id, t.borrow_date, t.due_date, t.return_date,
    t.status, t.fine_amount, t.fine_paid, t.fine_paid_date, t.renewal_count`

func scanTransaction(s rowScanner, withBook bool) (*Transaction, error) {
	var (
		t                  Transaction
		borrow, due        int64
		returned, finePaid sql.NullInt64
		status             string
		amount             decimal.Decimal
	)
	dest := []any{&t.ID, &t.MemberID, &t.BookID, &borrow, &due, &returned,
		&status, &amount, &t.Fine.Paid, &finePaid, &t.RenewalCount}

	var (
		b       Book
		created int64
	)
	if withBook {
		dest = append(dest, &b.ID, &b.Title, &b.Author, &b.ISBN, &b.TotalCopies, &b.AvailableCopies,
			&b.BorrowedCopies, &b.BorrowCount, &created)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	t.BorrowDate = fromMillis(borrow)
	t.DueDate = fromMillis(due)
	t.ReturnDate = timePtr(returned)
	t.Status = LoanStatus(status)
	t.Fine.Amount = amount
	t.Fine.PaidDate = timePtr(finePaid)
	if withBook {
		b.CreatedAt = fromMillis(created)
		t.Book = &b
	}
	return &t, nil
}

func (s *store) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO transactions(id, member_id, book_id, borrow_date, due_date, return_date,
            status, fine_amount, fine_paid, fine_paid_date, renewal_count)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MemberID, t.BookID, toMillis(t.BorrowDate), toMillis(t.DueDate), nullMillis(t.ReturnDate),
		string(t.Status), t.Fine.Amount.String(), t.Fine.Paid, nullMillis(t.Fine.PaidDate), t.RenewalCount)
	if err != nil {
		return constraintError("create transaction", err)
	}
	return nil
}

func (s *store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(s.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.id=?`, id), false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withDetail(ErrTransactionNotFound, "transaction %s not found", id)
	}
	if err != nil {
		return nil, unavailable("get transaction", err)
	}
	return t, nil
}

// UpdateTransaction writes every mutable field of t.
func (s *store) UpdateTransaction(ctx context.Context, t *Transaction) error {
	res, err := s.q.ExecContext(ctx, `
        UPDATE transactions
        SET due_date=?, return_date=?, status=?, fine_amount=?, fine_paid=?, fine_paid_date=?, renewal_count=?
        WHERE id=?`,
		toMillis(t.DueDate), nullMillis(t.ReturnDate), string(t.Status), t.Fine.Amount.String(),
		t.Fine.Paid, nullMillis(t.Fine.PaidDate), t.RenewalCount, t.ID)
	if err != nil {
		return constraintError("update transaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return withDetail(ErrTransactionNotFound, "transaction %s not found", t.ID)
	}
	return nil
}

func (s *store) CountActiveLoans(ctx context.Context, memberID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE member_id=? AND status='borrowed'`, memberID).Scan(&n)
	if err != nil {
		return 0, unavailable("count loans", err)
	}
	return n, nil
}

func (s *store) HasActiveLoan(ctx context.Context, memberID, bookID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE member_id=? AND book_id=? AND status='borrowed')`,
		memberID, bookID).Scan(&exists)
	if err != nil {
		return false, unavailable("find loan", err)
	}
	return exists, nil
}

func (s *store) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows, true)
		if err != nil {
			return nil, unavailable("scan transaction", err)
		}
		out = append(out, t)
	}
	return out, unavailable("list transactions", rows.Err())
}

func (s *store) ListMemberTransactions(ctx context.Context, memberID int64) ([]*Transaction, error) {
	return s.queryTransactions(ctx, `
        SELECT `+transactionColumns+`, `+bookColumns+`
        FROM transactions t JOIN books b ON b.id = t.book_id
        WHERE t.member_id = ?
        ORDER BY t.borrow_date DESC, t.id DESC`, memberID)
}

func (s *store) ListTransactions(ctx context.Context, q ListQuery, now time.Time) ([]*Transaction, int, error) {
	var (
		where []string
		args  []any
	)
	switch q.Status {
	case "":
	case StatusOverdue:
		where = append(where, `t.status = 'borrowed' AND t.due_date < ?`)
		args = append(args, toMillis(now))
	default:
		where = append(where, `t.status = ?`)
		args = append(args, string(q.Status))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions t`+cond, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count transactions", err)
	}

	_, size, offset := normalizePage(q.Page, q.PageSize)
	items, err := s.queryTransactions(ctx, `
        SELECT `+transactionColumns+`, `+bookColumns+`
        FROM transactions t JOIN books b ON b.id = t.book_id`+cond+`
        ORDER BY t.borrow_date DESC, t.id DESC
        LIMIT ? OFFSET ?`, append(args, size, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ---------------------------------------------------------------------------
// Fine ledger
// ---------------------------------------------------------------------------

const fineColumns = `f.id, f.member_id, f.transaction_id, f.amount, f.reason, f.status,
    f.paid_date, f.payment_method, f.created_at`

func scanFine(s rowScanner) (*Fine, error) {
	var (
		f       Fine
		status  string
		paid    sql.NullInt64
		created int64
	)
	if err := s.Scan(&f.ID, &f.MemberID, &f.TransactionID, &f.Amount, &f.Reason, &status,
		&paid, &f.PaymentMethod, &created); err != nil {
		return nil, err
	}
	f.Status = FineStatus(status)
	f.PaidDate = timePtr(paid)
	f.CreatedAt = fromMillis(created)
	return &f, nil
}

func (s *store) CreateFine(ctx context.Context, f *Fine) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO fines(id, member_id, transaction_id, amount, reason, status, paid_date, payment_method, created_at)
        VALUES(?,?,?,?,?,?,?,?,?)`,
		f.ID, f.MemberID, f.TransactionID, f.Amount.String(), f.Reason, string(f.Status),
		nullMillis(f.PaidDate), f.PaymentMethod, toMillis(f.CreatedAt))
	if err != nil {
		return unavailable("create fine", err)
	}
	return nil
}

func (s *store) GetFine(ctx context.Context, id string) (*Fine, error) {
	f, err := scanFine(s.q.QueryRowContext(ctx, `SELECT `+fineColumns+` FROM fines f WHERE f.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withDetail(ErrFineNotFound, "fine %s not found", id)
	}
	if err != nil {
		return nil, unavailable("get fine", err)
	}
	return f, nil
}

func (s *store) FineForTransaction(ctx context.Context, transactionID string) (*Fine, error) {
	f, err := scanFine(s.q.QueryRowContext(ctx,
		`SELECT `+fineColumns+` FROM fines f WHERE f.transaction_id=?`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, withDetail(ErrFineNotFound, "no fine for transaction %s", transactionID)
	}
	if err != nil {
		return nil, unavailable("get fine", err)
	}
	return f, nil
}

func (s *store) ListFines(ctx context.Context, q FineQuery) ([]*Fine, int, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, `f.status = ?`)
		args = append(args, string(q.Status))
	}
	if q.MemberID != 0 {
		where = append(where, `f.member_id = ?`)
		args = append(args, q.MemberID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM fines f`+cond, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count fines", err)
	}

	_, size, offset := normalizePage(q.Page, q.PageSize)
	rows, err := s.q.QueryContext(ctx, `SELECT `+fineColumns+` FROM fines f`+cond+`
        ORDER BY f.created_at DESC, f.id DESC LIMIT ? OFFSET ?`, append(args, size, offset)...)
	if err != nil {
		return nil, 0, unavailable("list fines", err)
	}
	defer rows.Close()

	var fines []*Fine
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, 0, unavailable("scan fine", err)
		}
		fines = append(fines, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("list fines", err)
	}
	return fines, total, nil
}

// UpdateFineStatus writes the settlement fields. The amount is never
// rewritten.
func (s *store) UpdateFineStatus(ctx context.Context, f *Fine) error {
	res, err := s.q.ExecContext(ctx, `UPDATE fines SET status=?, paid_date=?, payment_method=? WHERE id=?`,
		string(f.Status), nullMillis(f.PaidDate), f.PaymentMethod, f.ID)
	if err != nil {
		return unavailable("update fine", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return withDetail(ErrFineNotFound, "fine %s not found", f.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Borrowing history
// ---------------------------------------------------------------------------

func (s *store) AppendHistoryEntry(ctx context.Context, memberID int64, e HistoryEntry) error {
	_, err := s.q.ExecContext(ctx, `
        INSERT INTO borrowing_history(member_id, book_id, borrow_date, due_date, return_date, status)
        VALUES(?,?,?,?,?,?)`,
		memberID, e.BookID, toMillis(e.BorrowDate), toMillis(e.DueDate), nullMillis(e.ReturnDate), string(e.Status))
	if err != nil {
		return constraintError("append history", err)
	}
	return nil
}

// UpdateLatestHistoryEntry patches the most recent entry for the book that
// is still marked borrowed. A missing entry is not an error: the history is
// a convenience view.
func (s *store) UpdateLatestHistoryEntry(ctx context.Context, memberID, bookID int64, p HistoryPatch) error {
	_, err := s.q.ExecContext(ctx, `
        UPDATE borrowing_history SET return_date=?, status=?
        WHERE id = (
            SELECT id FROM borrowing_history
            WHERE member_id=? AND book_id=? AND status='borrowed'
            ORDER BY borrow_date DESC, id DESC LIMIT 1
        )`,
		toMillis(p.ReturnDate), string(p.Status), memberID, bookID)
	if err != nil {
		return unavailable("update history", err)
	}
	return nil
}

func (s *store) History(ctx context.Context, memberID int64) ([]HistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
        SELECT book_id, borrow_date, due_date, return_date, status
        FROM borrowing_history WHERE member_id=? ORDER BY id`, memberID)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e           HistoryEntry
			borrow, due int64
			returned    sql.NullInt64
			status      string
		)
		if err := rows.Scan(&e.BookID, &borrow, &due, &returned, &status); err != nil {
			return nil, unavailable("scan history", err)
		}
		e.BorrowDate = fromMillis(borrow)
		e.DueDate = fromMillis(due)
		e.ReturnDate = timePtr(returned)
		e.Status = LoanStatus(status)
		out = append(out, e)
	}
	return out, unavailable("list history", rows.Err())
}
