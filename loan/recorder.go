package loan

import (
	"context"
	"time"
)

// recordParams is everything the recorder writes for one repayment.
type recordParams struct {
	RepaymentID string
	Contract    Contract
	Request     RepaymentRequest
	Allocation  Allocation
	RecordedAt  time.Time
}

// recordRepayment persists the allocation and the repayment history inside tx.
// total_paid grows by the full amount paid even when part of it was unapplied.
func recordRepayment(ctx context.Context, tx Tx, p recordParams) (Repayment, error) {
	if err := tx.UpdateEntries(ctx, p.Allocation.Changed); err != nil {
		return Repayment{}, err
	}

	rep := Repayment{
		ID:            p.RepaymentID,
		ContractID:    p.Contract.ID,
		PaymentDate:   dateOf(p.Request.PaymentDate),
		AmountPaid:    p.Request.AmountPaid,
		AppliedAmount: p.Allocation.Applied,
		Method:        p.Request.Method,
		CreatedAt:     p.RecordedAt,
	}
	if err := tx.InsertRepayment(ctx, rep); err != nil {
		return Repayment{}, err
	}

	if err := tx.AddTotalPaid(ctx, p.Contract.ID, p.Request.AmountPaid); err != nil {
		return Repayment{}, err
	}

	if p.Allocation.OpenAfter == 0 && p.Contract.Status != ContractSettled {
		if err := tx.SetContractStatus(ctx, p.Contract.ID, ContractSettled); err != nil {
			return Repayment{}, err
		}
	}

	msg := OutboxMessage{
		Topic: OutboxTopicRepaymentRecorded,
		Payload: map[string]any{
			"repayment_id":   rep.ID,
			"contract_id":    rep.ContractID,
			"payment_date":   rep.PaymentDate.Format(time.DateOnly),
			"amount_paid":    rep.AmountPaid.StringFixed(moneyPlaces),
			"applied_amount": rep.AppliedAmount.StringFixed(moneyPlaces),
			"unapplied":      p.Allocation.Unapplied.StringFixed(moneyPlaces),
			"method":         rep.Method,
			"entries_paid":   countPaid(p.Allocation.Changed),
			"settled":        p.Allocation.OpenAfter == 0,
		},
	}
	if err := tx.EnqueueOutbox(ctx, msg); err != nil {
		return Repayment{}, err
	}

	return rep, nil
}

func countPaid(entries []InstallmentEntry) int {
	n := 0
	for _, e := range entries {
		if e.Status == EntryPaid {
			n++
		}
	}
	return n
}
