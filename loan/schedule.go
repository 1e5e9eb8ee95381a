package loan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxInstallments bounds the schedule length and therefore the work done
	// inside a single repayment transaction.
	MaxInstallments = 360

	dueDay          = 25
	moneyPlaces     = 2
	lateCreationDay = 25
)

var (
	// DefaultInterestRate applies when a contract is created without a rate.
	DefaultInterestRate = decimal.NewFromInt(5)

	hundred = decimal.NewFromInt(100)
)

// ScheduleParams are the inputs to GenerateSchedule.
type ScheduleParams struct {
	Principal        decimal.Decimal
	Rate             *decimal.Decimal
	InstallmentCount int
	CreatedAt        time.Time
}

// Schedule is the generated repayment plan for a new contract. Entries carry
// no IDs; the caller assigns them when persisting.
type Schedule struct {
	Rate              decimal.Decimal
	TotalAmountDue    decimal.Decimal
	InstallmentAmount decimal.Decimal
	Entries           []InstallmentEntry
}

// GenerateSchedule computes the flat-interest installment plan.
//
// Every entry is due on the 25th. The first due date is the 25th of the next
// month, or of the month after when the contract is created after the 25th.
// Each installment is the total rounded to cents; the final installment
// absorbs the rounding remainder so the entries always sum to the total due.
func GenerateSchedule(p ScheduleParams) (Schedule, error) {
	if !p.Principal.IsPositive() {
		return Schedule{}, fmt.Errorf("%w: principal must be positive", ErrInvalidInput)
	}
	if !p.Principal.Equal(p.Principal.Round(moneyPlaces)) {
		return Schedule{}, fmt.Errorf("%w: principal has more than %d decimal places", ErrInvalidInput, moneyPlaces)
	}
	if p.InstallmentCount <= 0 {
		return Schedule{}, fmt.Errorf("%w: installment count must be positive", ErrInvalidInput)
	}
	if p.InstallmentCount > MaxInstallments {
		return Schedule{}, fmt.Errorf("%w: installment count exceeds %d", ErrInvalidInput, MaxInstallments)
	}
	if p.CreatedAt.IsZero() {
		return Schedule{}, fmt.Errorf("%w: creation time required", ErrInvalidInput)
	}

	rate := DefaultInterestRate
	if p.Rate != nil {
		rate = *p.Rate
	}
	if rate.IsNegative() {
		return Schedule{}, fmt.Errorf("%w: interest rate must not be negative", ErrInvalidInput)
	}

	total := p.Principal.Add(p.Principal.Mul(rate).Div(hundred)).Round(moneyPlaces)
	count := decimal.NewFromInt(int64(p.InstallmentCount))
	installment := total.Div(count).Round(moneyPlaces)
	if !installment.IsPositive() {
		return Schedule{}, fmt.Errorf("%w: installment amount rounds to zero", ErrInvalidInput)
	}

	last := total.Sub(installment.Mul(decimal.NewFromInt(int64(p.InstallmentCount - 1))))
	if !last.IsPositive() {
		return Schedule{}, fmt.Errorf("%w: total %s cannot be split into %d installments", ErrInvalidInput, total.StringFixed(moneyPlaces), p.InstallmentCount)
	}

	first := FirstDueDate(p.CreatedAt)
	entries := make([]InstallmentEntry, p.InstallmentCount)
	for i := range entries {
		amount := installment
		if i == p.InstallmentCount-1 {
			amount = last
		}
		entries[i] = InstallmentEntry{
			Seq:     i + 1,
			DueDate: addMonths(first, i),
			Amount:  amount,
			Status:  EntryPending,
		}
	}

	return Schedule{
		Rate:              rate,
		TotalAmountDue:    total,
		InstallmentAmount: installment,
		Entries:           entries,
	}, nil
}

// FirstDueDate returns the first installment due date for a contract created at t.
func FirstDueDate(t time.Time) time.Time {
	months := 1
	if t.Day() > lateCreationDay {
		months = 2
	}
	y, m, _ := t.Date()
	return time.Date(y, m+time.Month(months), dueDay, 0, 0, 0, 0, time.UTC)
}

// addMonths relies on time.Date normalising month overflow into the next year.
// The anchor day never exceeds 28 so no day clamping is needed.
func addMonths(anchor time.Time, n int) time.Time {
	y, m, d := anchor.Date()
	return time.Date(y, m+time.Month(n), d, 0, 0, 0, 0, time.UTC)
}
