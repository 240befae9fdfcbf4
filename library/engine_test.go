package library

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type fixture struct {
	t       *testing.T
	ctx     context.Context
	db      *Database
	clock   *fakeClock
	metrics *Metrics
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		db:      tempDB(t),
		clock:   newFakeClock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithClock(f.clock.Now), WithMetrics(f.metrics)}, opts...)
	f.engine = NewEngine(f.db, opts...)
	return f
}

func (f *fixture) member(role Role) Principal {
	return Principal{MemberID: addMember(f.t, f.db, "member", role), Role: role}
}

func (f *fixture) book(copies int) int64 { return addBook(f.t, f.db, copies) }

func (f *fixture) getBook(id int64) *Book {
	f.t.Helper()
	b, err := f.db.GetBook(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) requireCopies(id int64, available, borrowed int) {
	f.t.Helper()
	b := f.getBook(id)
	assert.Equal(f.t, available, b.AvailableCopies, "available copies")
	assert.Equal(f.t, borrowed, b.BorrowedCopies, "borrowed copies")
	assert.Equal(f.t, b.TotalCopies, b.AvailableCopies+b.BorrowedCopies, "available+borrowed must equal total")
}

func (f *fixture) borrow(p Principal, bookID int64) *Transaction {
	f.t.Helper()
	tx, err := f.engine.Borrow(f.ctx, p.MemberID, bookID)
	require.NoError(f.t, err)
	return tx
}

func TestBorrowThenSecondMemberFindsBookUnavailable(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.member(RoleUser), f.member(RoleUser)
	book := f.book(1)

	tx := f.borrow(alice, book)
	assert.Equal(t, StatusBorrowed, tx.Status)
	assert.Equal(t, f.clock.Now(), tx.BorrowDate)
	assert.Equal(t, tx.BorrowDate.Add(14*day), tx.DueDate)
	assert.Equal(t, 0, tx.RenewalCount)
	assert.True(t, tx.Fine.Amount.IsZero())
	require.NotNil(t, tx.Book)
	assert.Equal(t, 0, tx.Book.AvailableCopies)
	f.requireCopies(book, 0, 1)
	assert.Equal(t, 1, f.getBook(book).BorrowCount)

	_, err := f.engine.Borrow(f.ctx, bob.MemberID, book)
	require.ErrorIs(t, err, ErrBookUnavailable)
	assert.Equal(t, KindConflict, KindOf(err))
	f.requireCopies(book, 0, 1)

	h, err := f.engine.History(f.ctx, alice.MemberID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, book, h[0].BookID)
	assert.Equal(t, StatusBorrowed, h[0].Status)
	assert.Equal(t, tx.DueDate, h[0].DueDate)
}

func TestBorrowPreconditionOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)

	_, err := f.engine.Borrow(f.ctx, alice.MemberID, 4242)
	require.ErrorIs(t, err, ErrBookNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	book := f.book(2)
	f.borrow(alice, book)
	_, err = f.engine.Borrow(f.ctx, alice.MemberID, book)
	require.ErrorIs(t, err, ErrAlreadyBorrowed)
	f.requireCopies(book, 1, 1)

	// Holding the last copy: availability is checked before ownership.
	last := f.book(1)
	f.borrow(alice, last)
	_, err = f.engine.Borrow(f.ctx, alice.MemberID, last)
	require.ErrorIs(t, err, ErrBookUnavailable)
	f.requireCopies(last, 0, 1)
}

func TestAlreadyBorrowedCheckedBeforeLimit(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	held := f.book(3)
	f.borrow(alice, held)
	for i := 0; i < 4; i++ {
		f.borrow(alice, f.book(1))
	}

	_, err := f.engine.Borrow(f.ctx, alice.MemberID, held)
	require.ErrorIs(t, err, ErrAlreadyBorrowed)
	assert.NotErrorIs(t, err, ErrBorrowLimitExceeded)
	f.requireCopies(held, 2, 1)
}

func TestLateReturnRaisesFine(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(1)
	tx := f.borrow(alice, book)

	f.clock.Set(tx.DueDate.Add(3 * day))
	returned, err := f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)

	assert.Equal(t, StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, f.clock.Now(), *returned.ReturnDate)
	assert.True(t, returned.Fine.Amount.Equal(decimal.NewFromInt(3)), "fine %s", returned.Fine.Amount)
	f.requireCopies(book, 1, 0)

	fine, err := f.engine.FineForTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, fine.Amount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, FinePending, fine.Status)
	assert.Contains(t, fine.Reason, "3 days late")
	assert.Equal(t, alice.MemberID, fine.MemberID)

	stored, err := f.db.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.Fine.Amount.Equal(decimal.NewFromInt(3)))
	assert.False(t, stored.ReturnDate.Before(stored.BorrowDate))

	h, err := f.engine.History(f.ctx, alice.MemberID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, StatusReturned, h[0].Status)
	require.NotNil(t, h[0].ReturnDate)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FinesIssued))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.FineAmount))
}

func TestReturnOnTimeRaisesNoFine(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(1)
	tx := f.borrow(alice, book)

	f.clock.Set(tx.DueDate)
	returned, err := f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, returned.Status)
	assert.True(t, returned.Fine.Amount.IsZero())

	_, err = f.engine.FineForTransaction(f.ctx, tx.ID)
	require.ErrorIs(t, err, ErrFineNotFound)
	f.requireCopies(book, 1, 0)
}

func TestReturnOneMillisecondLateIsOneDay(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	tx := f.borrow(alice, f.book(1))

	f.clock.Set(tx.DueDate.Add(time.Millisecond))
	returned, err := f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)
	assert.True(t, returned.Fine.Amount.Equal(decimal.NewFromInt(1)))

	fine, err := f.engine.FineForTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "Overdue return (1 days late)", fine.Reason)
}

func TestReturnTwiceIsRejectedWithoutChanges(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(2)
	tx := f.borrow(alice, book)

	f.clock.Advance(20 * day)
	_, err := f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)
	before, err := f.db.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)

	f.clock.Advance(5 * day)
	_, err = f.engine.Return(f.ctx, tx.ID, alice)
	require.ErrorIs(t, err, ErrAlreadyReturned)

	after, err := f.db.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	f.requireCopies(book, 2, 0)

	fines, err := f.engine.ListFines(f.ctx, FineQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, fines.Total)
}

func TestReturnAuthorization(t *testing.T) {
	f := newFixture(t)
	alice, mallory, admin := f.member(RoleUser), f.member(RoleUser), f.member(RoleAdmin)
	book := f.book(1)
	tx := f.borrow(alice, book)

	_, err := f.engine.Return(f.ctx, tx.ID, mallory)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, KindForbidden, KindOf(err))
	f.requireCopies(book, 0, 1)

	_, err = f.engine.Return(f.ctx, "no-such-transaction", alice)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	returned, err := f.engine.Return(f.ctx, tx.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, returned.Status)
	f.requireCopies(book, 1, 0)
}

func TestRenewTwiceThenRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	tx := f.borrow(alice, f.book(1))
	due := tx.DueDate

	for i := 1; i <= 2; i++ {
		renewed, err := f.engine.Renew(f.ctx, tx.ID, alice)
		require.NoError(t, err)
		assert.Equal(t, i, renewed.RenewalCount)
		assert.Equal(t, due.Add(time.Duration(i)*14*day), renewed.DueDate)
	}

	_, err := f.engine.Renew(f.ctx, tx.ID, alice)
	require.ErrorIs(t, err, ErrMaxRenewalsReached)

	stored, err := f.db.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RenewalCount)
	assert.Equal(t, due.Add(28*day), stored.DueDate)
}

func TestRenewRules(t *testing.T) {
	f := newFixture(t)
	alice, admin := f.member(RoleUser), f.member(RoleAdmin)
	tx := f.borrow(alice, f.book(1))

	_, err := f.engine.Renew(f.ctx, tx.ID, admin)
	require.ErrorIs(t, err, ErrForbidden, "renewal is owner only")

	_, err = f.engine.Renew(f.ctx, "missing", alice)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Renew(f.ctx, tx.ID, alice)
	require.ErrorIs(t, err, ErrNotBorrowed)

	stored, err := f.db.GetTransaction(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RenewalCount)
}

func TestBorrowLimit(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	for i := 0; i < 5; i++ {
		f.borrow(alice, f.book(1))
	}

	sixth := f.book(1)
	_, err := f.engine.Borrow(f.ctx, alice.MemberID, sixth)
	require.ErrorIs(t, err, ErrBorrowLimitExceeded)
	assert.Equal(t, "borrowing limit exceeded (max 5 books)", err.Error())
	f.requireCopies(sixth, 1, 0)
	assert.Equal(t, 0, f.getBook(sixth).BorrowCount)

	loans, err := f.engine.ListUserBorrowings(f.ctx, alice.MemberID)
	require.NoError(t, err)
	assert.Len(t, loans, 5)
}

func TestCustomRules(t *testing.T) {
	rules := DefaultRules()
	rules.LoanPeriod = 7 * day
	rules.MaxActiveLoans = 1
	rules.FinePerDay = decimal.RequireFromString("0.50")
	f := newFixture(t, WithRules(rules))
	alice := f.member(RoleUser)

	tx := f.borrow(alice, f.book(1))
	assert.Equal(t, tx.BorrowDate.Add(7*day), tx.DueDate)
	_, err := f.engine.Borrow(f.ctx, alice.MemberID, f.book(1))
	require.ErrorIs(t, err, ErrBorrowLimitExceeded)

	f.clock.Set(tx.DueDate.Add(4 * day))
	returned, err := f.engine.Return(f.ctx, tx.ID, alice)
	require.NoError(t, err)
	assert.True(t, returned.Fine.Amount.Equal(decimal.NewFromInt(2)), "fine %s", returned.Fine.Amount)
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.member(RoleUser), f.member(RoleUser)

	first := f.borrow(alice, f.book(1))
	f.clock.Advance(time.Hour)
	second := f.borrow(bob, f.book(1))
	f.clock.Advance(time.Hour)
	third := f.borrow(alice, f.book(1))

	mine, err := f.engine.ListUserBorrowings(f.ctx, alice.MemberID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, third.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)
	require.NotNil(t, mine[0].Book)

	_, err = f.engine.Return(f.ctx, second.ID, bob)
	require.NoError(t, err)

	all, err := f.engine.ListAllBorrowings(f.ctx, ListQuery{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 2, all.TotalPages)
	assert.Equal(t, 1, all.Page)
	require.Len(t, all.Items, 2)
	assert.Equal(t, third.ID, all.Items[0].ID)
	assert.Equal(t, second.ID, all.Items[1].ID)

	last, err := f.engine.ListAllBorrowings(f.ctx, ListQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.Equal(t, first.ID, last.Items[0].ID)

	returned, err := f.engine.ListAllBorrowings(f.ctx, ListQuery{Status: StatusReturned})
	require.NoError(t, err)
	assert.Equal(t, 1, returned.Total)
	assert.Equal(t, second.ID, returned.Items[0].ID)

	overdue, err := f.engine.ListAllBorrowings(f.ctx, ListQuery{Status: StatusOverdue})
	require.NoError(t, err)
	assert.Equal(t, 0, overdue.Total)

	f.clock.Set(first.DueDate.Add(time.Minute))
	overdue, err = f.engine.ListAllBorrowings(f.ctx, ListQuery{Status: StatusOverdue})
	require.NoError(t, err)
	require.Equal(t, 1, overdue.Total)
	assert.Equal(t, first.ID, overdue.Items[0].ID)
	assert.Equal(t, StatusBorrowed, overdue.Items[0].Status, "overdue is derived, not stored")
	assert.Equal(t, StatusOverdue, overdue.Items[0].EffectiveStatus(f.clock.Now()))

	_, err = f.engine.ListAllBorrowings(f.ctx, ListQuery{Status: "lost"})
	require.ErrorIs(t, err, ErrInvalidInput)

	empty, err := f.engine.ListUserBorrowings(f.ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestConcurrentBorrowOfLastCopy races many members for a single copy.
func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	f := newFixture(t)
	book := f.book(1)

	const members = 8
	principals := make([]Principal, members)
	for i := range principals {
		principals[i] = f.member(RoleUser)
	}

	var wg sync.WaitGroup
	errs := make(chan error, members)
	for _, p := range principals {
		wg.Add(1)
		go func(p Principal) {
			defer wg.Done()
			_, err := f.engine.Borrow(f.ctx, p.MemberID, book)
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)

	var ok, unavailable int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBookUnavailable):
			unavailable++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, members-1, unavailable)
	f.requireCopies(book, 0, 1)
	assert.Equal(t, 1, f.getBook(book).BorrowCount)
}

// failingHistory makes every history append fail after the earlier writes of
// Borrow have gone through.
type failingHistory struct{ *Database }

func (d failingHistory) WithinTx(ctx context.Context, fn func(Repository) error) error {
	return d.Database.WithinTx(ctx, func(r Repository) error {
		return fn(historyFailer{r})
	})
}

type historyFailer struct{ Repository }

func (historyFailer) AppendHistoryEntry(context.Context, int64, HistoryEntry) error {
	return errors.New("disk full")
}

func TestFailedBorrowLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(1)

	engine := NewEngine(failingHistory{f.db}, WithClock(f.clock.Now))
	_, err := engine.Borrow(f.ctx, alice.MemberID, book)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))

	f.requireCopies(book, 1, 0)
	assert.Equal(t, 0, f.getBook(book).BorrowCount)
	loans, err := f.engine.ListUserBorrowings(f.ctx, alice.MemberID)
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestCancelledContextLeavesNoState(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Borrow(ctx, alice.MemberID, book)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	f.requireCopies(book, 1, 0)
}

func TestOpsAreCounted(t *testing.T) {
	f := newFixture(t)
	alice := f.member(RoleUser)
	book := f.book(1)

	f.borrow(alice, book)
	_, _ = f.engine.Borrow(f.ctx, alice.MemberID, book)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OpsTotal.WithLabelValues("borrow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OpsTotal.WithLabelValues("borrow", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LoansCreated))
}
