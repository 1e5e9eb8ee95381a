package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the ledger invariants. Each query returns offending rows; an
// empty result means the invariant holds. Every query is a single statement,
// so it sees one consistent snapshot while writers keep running.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_conservation",
			SQL: `SELECT c.id, c.total_amount_due, s.open_amount, r.applied
                  FROM loan_contracts c
                  JOIN (SELECT loan_contract_id, SUM(amount) AS open_amount
                        FROM loan_payment_schedule GROUP BY loan_contract_id) s ON s.loan_contract_id = c.id
                  LEFT JOIN (SELECT loan_contract_id, SUM(applied_amount) AS applied
                             FROM loan_repayment GROUP BY loan_contract_id) r ON r.loan_contract_id = c.id
                  WHERE s.open_amount + COALESCE(r.applied, 0) <> c.total_amount_due`,
		},
		{
			Name: "O2_total_paid_matches_repayments",
			SQL: `SELECT c.id, c.total_paid, COALESCE(SUM(r.amount_paid), 0) AS recorded
                  FROM loan_contracts c
                  LEFT JOIN loan_repayment r ON r.loan_contract_id = c.id
                  GROUP BY c.id, c.total_paid
                  HAVING c.total_paid <> COALESCE(SUM(r.amount_paid), 0)`,
		},
		{
			Name: "O3_entry_status_amount",
			SQL: `SELECT id, status, amount FROM loan_payment_schedule
                  WHERE (status = 'paid' AND amount <> 0)
                     OR (status IN ('pending', 'overdue') AND amount <= 0)`,
		},
		{
			Name: "O4_settled_iff_no_open_entries",
			SQL: `SELECT c.id, c.status, COUNT(s.id) FILTER (WHERE s.status <> 'paid') AS open_entries
                  FROM loan_contracts c
                  JOIN loan_payment_schedule s ON s.loan_contract_id = c.id
                  GROUP BY c.id, c.status
                  HAVING (c.status = 'settled') <> (COUNT(s.id) FILTER (WHERE s.status <> 'paid') = 0)`,
		},
		{
			Name: "O5_schedule_complete",
			SQL: `SELECT c.id, c.installment_count, COUNT(s.id)
                  FROM loan_contracts c
                  LEFT JOIN loan_payment_schedule s ON s.loan_contract_id = c.id
                  GROUP BY c.id, c.installment_count
                  HAVING COUNT(s.id) <> c.installment_count`,
		},
		{
			Name: "O6_outbox_per_repayment",
			SQL: `SELECT r.loan_contract_id, COUNT(*) AS repayments, COALESCE(o.messages, 0)
                  FROM loan_repayment r
                  LEFT JOIN (SELECT payload->>'contract_id' AS contract_id, COUNT(*) AS messages
                             FROM outbox WHERE topic = 'loan.repayment_recorded'
                             GROUP BY payload->>'contract_id') o ON o.contract_id = r.loan_contract_id::text
                  GROUP BY r.loan_contract_id, o.messages
                  HAVING COUNT(*) <> COALESCE(o.messages, 0)`,
		},
		{
			Name: "O7_overdue_not_in_future",
			SQL: `SELECT id, due_date FROM loan_payment_schedule
                  WHERE status = 'overdue' AND due_date > CURRENT_DATE + interval '1 year'`,
		},
		{
			Name: "O8_append_only_guards",
			SQL: `SELECT t.name AS missing_trigger
                  FROM (VALUES ('no_mutate_loan_repayment'), ('no_delete_loan_payment_schedule')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
