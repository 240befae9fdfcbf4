package library

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ListFines returns one page of fines, newest first.
func (e *Engine) ListFines(ctx context.Context, q FineQuery) (*Page[*Fine], error) {
	switch q.Status {
	case "", FinePending, FinePaid, FineWaived:
	default:
		return nil, withDetail(ErrInvalidInput, "unknown fine status %q", q.Status)
	}
	page, size, _ := normalizePage(q.Page, q.PageSize)
	q.Page, q.PageSize = page, size

	fines, total, err := e.repo.ListFines(ctx, q)
	if err != nil {
		return nil, err
	}
	return newPage(fines, total, page, size), nil
}

// FineForTransaction returns the fine raised when transactionID was
// returned late.
func (e *Engine) FineForTransaction(ctx context.Context, transactionID string) (*Fine, error) {
	return e.repo.FineForTransaction(ctx, transactionID)
}

// SettleFine moves a pending fine to paid or waived. Paying also marks the
// fine on the originating transaction as paid. The amount never changes.
func (e *Engine) SettleFine(ctx context.Context, fineID string, status FineStatus, paymentMethod string) (_ *Fine, err error) {
	start := time.Now()
	defer func() {
		e.record("settle", start, err,
			zap.String("fine_id", fineID),
			zap.String("status", string(status)))
	}()

	if status != FinePaid && status != FineWaived {
		return nil, withDetail(ErrInvalidInput, "fine can only be paid or waived, not %q", status)
	}

	now := e.now()
	var out *Fine
	err = e.repo.WithinTx(ctx, func(r Repository) error {
		f, err := r.GetFine(ctx, fineID)
		if err != nil {
			return err
		}
		if !canSettle(f.Status, status) {
			return withDetail(ErrFineSettled, "fine %s is already %s", f.ID, f.Status)
		}

		f.Status = status
		if status == FinePaid {
			f.PaidDate = &now
			f.PaymentMethod = paymentMethod
		}
		if err := r.UpdateFineStatus(ctx, f); err != nil {
			return err
		}

		if status == FinePaid {
			tx, err := r.GetTransaction(ctx, f.TransactionID)
			if err != nil {
				return err
			}
			tx.Fine.Paid = true
			tx.Fine.PaidDate = &now
			if err := r.UpdateTransaction(ctx, tx); err != nil {
				return err
			}
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
