package loan

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// NearTermWindowDays is how far past the payment date a pending entry may be
// due and still be paid oldest-first.
const NearTermWindowDays = 31

// Allocation is the in-memory result of applying one payment to a schedule
// snapshot. Nothing is persisted until the caller writes Changed.
type Allocation struct {
	// Changed holds the mutated entries ordered by Seq.
	Changed []InstallmentEntry
	// Applied is the part of the payment consumed by entries.
	Applied decimal.Decimal
	// Unapplied is the excess left after every open entry was covered.
	Unapplied decimal.Decimal
	// OpenAfter counts entries still pending or overdue after allocation.
	OpenAfter int
}

// bucket selects entries with match and visits them in cmp order.
type bucket struct {
	match func(InstallmentEntry) bool
	cmp   func(a, b InstallmentEntry) int
}

// Allocate runs the payment waterfall over a snapshot of a contract's entries:
//
//  1. overdue entries due before the payment date, oldest first;
//  2. pending entries due within NearTermWindowDays of the payment date, oldest first;
//  3. remaining pending entries, newest first.
//
// An entry fully covered becomes paid with a zero amount. A partially covered
// entry keeps its status and has its amount reduced. The input slice is not
// modified.
func Allocate(entries []InstallmentEntry, amount decimal.Decimal, paymentDate time.Time) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: amount paid must be positive", ErrInvalidInput)
	}
	if paymentDate.IsZero() {
		return Allocation{}, fmt.Errorf("%w: payment date required", ErrInvalidInput)
	}

	payDay := dateOf(paymentDate)
	horizon := payDay.AddDate(0, 0, NearTermWindowDays)

	buckets := []bucket{
		{
			match: func(e InstallmentEntry) bool {
				return e.Status == EntryOverdue && dateOf(e.DueDate).Before(payDay)
			},
			cmp: oldestFirst,
		},
		{
			match: func(e InstallmentEntry) bool {
				return e.Status == EntryPending && !dateOf(e.DueDate).After(horizon)
			},
			cmp: oldestFirst,
		},
		{
			match: func(e InstallmentEntry) bool {
				return e.Status == EntryPending && dateOf(e.DueDate).After(horizon)
			},
			cmp: newestFirst,
		},
	}

	work := slices.Clone(entries)
	touched := make(map[int]struct{}, len(work))
	remaining := amount
	for _, b := range buckets {
		if !remaining.IsPositive() {
			break
		}
		remaining = consumeBucket(work, b, remaining, touched)
	}

	changed := make([]InstallmentEntry, 0, len(touched))
	openAfter := 0
	for i, e := range work {
		if _, ok := touched[i]; ok {
			changed = append(changed, e)
		}
		if e.Open() {
			openAfter++
		}
	}
	slices.SortFunc(changed, func(a, b InstallmentEntry) int { return a.Seq - b.Seq })

	return Allocation{
		Changed:   changed,
		Applied:   amount.Sub(remaining),
		Unapplied: remaining,
		OpenAfter: openAfter,
	}, nil
}

// consumeBucket pays down the entries selected by b and returns what is left
// of the payment. Indexes of mutated entries are recorded in touched.
func consumeBucket(work []InstallmentEntry, b bucket, remaining decimal.Decimal, touched map[int]struct{}) decimal.Decimal {
	idx := make([]int, 0, len(work))
	for i, e := range work {
		if b.match(e) {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(i, j int) int { return b.cmp(work[i], work[j]) })

	for _, i := range idx {
		if !remaining.IsPositive() {
			break
		}
		e := &work[i]
		if remaining.GreaterThanOrEqual(e.Amount) {
			remaining = remaining.Sub(e.Amount)
			e.Amount = decimal.Zero
			e.Status = EntryPaid
		} else {
			e.Amount = e.Amount.Sub(remaining)
			remaining = decimal.Zero
		}
		touched[i] = struct{}{}
	}
	return remaining
}

func oldestFirst(a, b InstallmentEntry) int {
	if c := a.DueDate.Compare(b.DueDate); c != 0 {
		return c
	}
	return a.Seq - b.Seq
}

func newestFirst(a, b InstallmentEntry) int {
	return oldestFirst(b, a)
}
