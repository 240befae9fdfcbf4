package library

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dayMillis int64 = 24 * 60 * 60 * 1000

// DaysOverdue returns how many started days returnedAt lies past due.
// Returning exactly at the due date is on time; one millisecond late is
// a full day.
func DaysOverdue(due, returnedAt time.Time) int64 {
	late := returnedAt.UnixMilli() - due.UnixMilli()
	if late <= 0 {
		return 0
	}
	return (late + dayMillis - 1) / dayMillis
}

// FineAmount is days * perDay.
func FineAmount(days int64, perDay decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(days).Mul(perDay)
}

func fineReason(days int64) string {
	return fmt.Sprintf("Overdue return (%d days late)", days)
}

// assessFine computes the fine for a return at now. It returns nil when the
// loan is returned on time.
func assessFine(tx *Transaction, now time.Time, perDay decimal.Decimal) *Fine {
	days := DaysOverdue(tx.DueDate, now)
	if days == 0 {
		return nil
	}
	amount := FineAmount(days, perDay)
	if !amount.IsPositive() {
		return nil
	}
	return &Fine{
		MemberID:      tx.MemberID,
		TransactionID: tx.ID,
		Amount:        amount,
		Reason:        fineReason(days),
		Status:        FinePending,
		CreatedAt:     now,
	}
}

// canSettle reports whether a fine may move from its current status to next.
func canSettle(current, next FineStatus) bool {
	return current == FinePending && (next == FinePaid || next == FineWaived)
}
