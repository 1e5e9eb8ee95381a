package report

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"coopledger/loan"
)

// Source supplies the raw aggregates behind a Portfolio. Month boundaries
// are half-open: from inclusive, to exclusive.
type Source interface {
	Summary(ctx context.Context) (Summary, error)
	ScheduledByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error)
	RepaidByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error)
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSource aggregates directly in PostgreSQL.
type PGSource struct {
	pool Querier
}

func NewPGSource(pool Querier) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := s.pool.QueryRow(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(loan_amount), 0)::text,
               COALESCE(SUM(total_amount_due - total_paid), 0)::text
        FROM loan_contracts
        WHERE status = 'active'`).Scan(&out.ActiveContracts, &out.ActivePrincipal, &out.OutstandingBalance)
	if err != nil {
		return Summary{}, fmt.Errorf("report: summary: %w", err)
	}
	return out, nil
}

// ScheduledByMonth sums the originally scheduled installment per due month.
// The final installment of a contract is counted at the regular rate.
func (s *PGSource) ScheduledByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT to_char(s.due_date, 'YYYY-MM') AS month,
               SUM(ROUND(c.total_amount_due / c.installment_count, 2))::text
        FROM loan_payment_schedule s
        JOIN loan_contracts c ON c.id = s.loan_contract_id
        WHERE s.due_date >= $1 AND s.due_date < $2
        GROUP BY month
        ORDER BY month`, from, to)
	if err != nil {
		return nil, fmt.Errorf("report: scheduled by month: %w", err)
	}
	return collectMonthly(rows)
}

func (s *PGSource) RepaidByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT to_char(payment_date, 'YYYY-MM') AS month,
               SUM(amount_paid)::text
        FROM loan_repayment
        WHERE payment_date >= $1 AND payment_date < $2
        GROUP BY month
        ORDER BY month`, from, to)
	if err != nil {
		return nil, fmt.Errorf("report: repaid by month: %w", err)
	}
	return collectMonthly(rows)
}

func collectMonthly(rows pgx.Rows) ([]MonthlyAmount, error) {
	defer rows.Close()

	var out []MonthlyAmount
	for rows.Next() {
		var m MonthlyAmount
		if err := rows.Scan(&m.Month, &m.Amount); err != nil {
			return nil, fmt.Errorf("report: scan month: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate months: %w", err)
	}
	return out, nil
}

// LedgerReader is the read side of loan.Service.
type LedgerReader interface {
	ListContracts(ctx context.Context, page, pageSize int) (loan.ContractPage, error)
	ListSchedule(ctx context.Context, contractID string) ([]loan.InstallmentEntry, error)
	ListRepayments(ctx context.Context, contractID string) ([]loan.Repayment, error)
}

// LedgerSource computes the aggregates by walking the ledger through its
// service API. It backs the in-memory deployment where no SQL is available.
type LedgerSource struct {
	ledger LedgerReader
}

func NewLedgerSource(ledger LedgerReader) *LedgerSource {
	return &LedgerSource{ledger: ledger}
}

func (s *LedgerSource) Summary(ctx context.Context) (Summary, error) {
	out := Summary{ActivePrincipal: decimal.Zero, OutstandingBalance: decimal.Zero}
	err := s.eachContract(ctx, func(c loan.Contract) error {
		if c.Status != loan.ContractActive {
			return nil
		}
		out.ActiveContracts++
		out.ActivePrincipal = out.ActivePrincipal.Add(c.Principal)
		out.OutstandingBalance = out.OutstandingBalance.Add(c.RemainingBalance())
		return nil
	})
	return out, err
}

func (s *LedgerSource) ScheduledByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error) {
	var out []MonthlyAmount
	err := s.eachContract(ctx, func(c loan.Contract) error {
		entries, err := s.ledger.ListSchedule(ctx, c.ID)
		if err != nil {
			return err
		}
		slice := c.TotalAmountDue.Div(decimal.NewFromInt(int64(c.InstallmentCount))).Round(2)
		for _, e := range entries {
			if inRange(e.DueDate, from, to) {
				out = append(out, MonthlyAmount{Month: e.DueDate.Format(monthLayout), Amount: slice})
			}
		}
		return nil
	})
	return out, err
}

func (s *LedgerSource) RepaidByMonth(ctx context.Context, from, to time.Time) ([]MonthlyAmount, error) {
	var out []MonthlyAmount
	err := s.eachContract(ctx, func(c loan.Contract) error {
		reps, err := s.ledger.ListRepayments(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, r := range reps {
			if inRange(r.PaymentDate, from, to) {
				out = append(out, MonthlyAmount{Month: r.PaymentDate.Format(monthLayout), Amount: r.AmountPaid})
			}
		}
		return nil
	})
	return out, err
}

func (s *LedgerSource) eachContract(ctx context.Context, fn func(loan.Contract) error) error {
	for page := 1; ; page++ {
		p, err := s.ledger.ListContracts(ctx, page, loan.MaxPageSize)
		if err != nil {
			return fmt.Errorf("report: list contracts: %w", err)
		}
		for _, c := range p.Contracts {
			if err := fn(c); err != nil {
				return fmt.Errorf("report: contract %s: %w", c.ID, err)
			}
		}
		if page*p.PageSize >= p.Total || len(p.Contracts) == 0 {
			return nil
		}
	}
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
