package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool TxBeginner
}

func NewPGStore(pool TxBeginner) *PGStore {
	return &PGStore{pool: pool}
}

const contractColumns = `
    id::text, title, first_name, last_name, address, birth_date, phone_number, id_card_number,
    guarantor_1_name, guarantor_2_name, committee_1_name, committee_2_name,
    bank_account_number, bank_name,
    loan_amount::text, interest_rate::text, installment_count,
    total_amount_due::text, total_paid::text, status, created_at`

const entryColumns = `id::text, loan_contract_id::text, seq, due_date, amount::text, status`

const repaymentColumns = `id::text, loan_contract_id::text, payment_date, amount_paid::text, applied_amount::text, method, created_at`

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("loan: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) GetContract(ctx context.Context, id string) (Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM loan_contracts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("loan: get contract: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListContracts(ctx context.Context, limit, offset int) ([]Contract, int, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+contractColumns+`
        FROM loan_contracts
        ORDER BY created_at DESC, id
        LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("loan: list contracts: %w", err)
	}
	defer rows.Close()

	contracts := make([]Contract, 0, limit)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("loan: scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("loan: iterate contracts: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loan_contracts`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("loan: count contracts: %w", err)
	}
	return contracts, total, nil
}

func (s *PGStore) ListSchedule(ctx context.Context, contractID string) ([]InstallmentEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM loan_payment_schedule
        WHERE loan_contract_id = $1
        ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("loan: list schedule: %w", err)
	}
	return collectEntries(rows)
}

func (s *PGStore) ListUpcoming(ctx context.Context, contractID string, limit int) ([]InstallmentEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
        FROM loan_payment_schedule
        WHERE loan_contract_id = $1 AND status = 'pending'
        ORDER BY due_date, seq
        LIMIT $2`, contractID, limit)
	if err != nil {
		return nil, fmt.Errorf("loan: list upcoming: %w", err)
	}
	return collectEntries(rows)
}

func (s *PGStore) ListRepayments(ctx context.Context, contractID string) ([]Repayment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+repaymentColumns+`
        FROM loan_repayment
        WHERE loan_contract_id = $1
        ORDER BY payment_date, created_at`, contractID)
	if err != nil {
		return nil, fmt.Errorf("loan: list repayments: %w", err)
	}
	defer rows.Close()

	out := make([]Repayment, 0, 8)
	for rows.Next() {
		var r Repayment
		if err := rows.Scan(&r.ID, &r.ContractID, &r.PaymentDate, &r.AmountPaid, &r.AppliedAmount, &r.Method, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("loan: scan repayment: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: iterate repayments: %w", err)
	}
	return out, nil
}

func (s *PGStore) ContractsWithStaleEntries(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT DISTINCT loan_contract_id::text
        FROM loan_payment_schedule
        WHERE status = 'pending' AND due_date < $1`, dateOf(asOf))
	if err != nil {
		return nil, fmt.Errorf("loan: list stale contracts: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("loan: scan stale contract: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: iterate stale contracts: %w", err)
	}
	return ids, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("loan: commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("loan: rollback tx: %w", err)
	}
	return nil
}

func (t *pgTx) InsertContract(ctx context.Context, c Contract) error {
	const insertSQL = `
INSERT INTO loan_contracts (
    id, title, first_name, last_name, address, birth_date, phone_number, id_card_number,
    guarantor_1_name, guarantor_2_name, committee_1_name, committee_2_name,
    bank_account_number, bank_name,
    loan_amount, interest_rate, installment_count, total_amount_due, total_paid, status, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8,
    $9, $10, $11, $12,
    $13, $14,
    $15::numeric, $16::numeric, $17, $18::numeric, $19::numeric, $20, $21
)`
	b := c.Borrower
	_, err := t.tx.Exec(ctx, insertSQL,
		c.ID, b.Title, b.FirstName, b.LastName, b.Address, b.BirthDate, b.Phone, b.NationalID,
		b.Guarantor1Name, b.Guarantor2Name, b.Committee1Name, b.Committee2Name,
		b.BankAccountNumber, b.BankName,
		c.Principal.String(), c.InterestRate.String(), c.InstallmentCount,
		c.TotalAmountDue.String(), c.TotalPaid.String(), string(c.Status), c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("loan: duplicate contract id %s", c.ID)
		}
		return fmt.Errorf("loan: insert contract: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []InstallmentEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const insertSQL = `
INSERT INTO loan_payment_schedule (id, loan_contract_id, seq, due_date, amount, status)
VALUES ($1, $2, $3, $4, $5::numeric, $6)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertSQL, e.ID, e.ContractID, e.Seq, e.DueDate, e.Amount.String(), string(e.Status))
	}
	return t.execBatch(ctx, batch, len(entries), "insert entries")
}

func (t *pgTx) LockContract(ctx context.Context, id string) (Contract, error) {
	c, err := scanContract(t.tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM loan_contracts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("loan: lock contract: %w", err)
	}
	return c, nil
}

func (t *pgTx) OpenEntries(ctx context.Context, contractID string) ([]InstallmentEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+`
        FROM loan_payment_schedule
        WHERE loan_contract_id = $1 AND status IN ('pending', 'overdue')
        ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("loan: load open entries: %w", err)
	}
	return collectEntries(rows)
}

func (t *pgTx) UpdateEntries(ctx context.Context, entries []InstallmentEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const updateSQL = `
UPDATE loan_payment_schedule
SET amount = $2::numeric,
    status = $3,
    updated_at = now()
WHERE id = $1 AND loan_contract_id = $4`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(updateSQL, e.ID, e.Amount.String(), string(e.Status), e.ContractID)
	}
	return t.execBatch(ctx, batch, len(entries), "update entries")
}

func (t *pgTx) MarkOverdue(ctx context.Context, contractID string, asOf time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE loan_payment_schedule
SET status = 'overdue',
    updated_at = now()
WHERE loan_contract_id = $1
  AND status = 'pending'
  AND due_date < $2`, contractID, dateOf(asOf))
	if err != nil {
		return 0, fmt.Errorf("loan: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) UpdateBorrower(ctx context.Context, contractID string, b Borrower) error {
	const updateSQL = `
UPDATE loan_contracts
SET title = $2,
    first_name = $3,
    last_name = $4,
    address = $5,
    birth_date = $6,
    phone_number = $7,
    id_card_number = $8,
    guarantor_1_name = $9,
    guarantor_2_name = $10,
    committee_1_name = $11,
    committee_2_name = $12,
    bank_account_number = $13,
    bank_name = $14
WHERE id = $1`

	tag, err := t.tx.Exec(ctx, updateSQL,
		contractID, b.Title, b.FirstName, b.LastName, b.Address, b.BirthDate, b.Phone, b.NationalID,
		b.Guarantor1Name, b.Guarantor2Name, b.Committee1Name, b.Committee2Name,
		b.BankAccountNumber, b.BankName,
	)
	if err != nil {
		return fmt.Errorf("loan: update borrower: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertRepayment(ctx context.Context, r Repayment) error {
	const insertSQL = `
INSERT INTO loan_repayment (id, loan_contract_id, payment_date, amount_paid, applied_amount, method, created_at)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7)`

	if _, err := t.tx.Exec(ctx, insertSQL,
		r.ID, r.ContractID, dateOf(r.PaymentDate), r.AmountPaid.String(), r.AppliedAmount.String(), r.Method, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("loan: insert repayment: %w", err)
	}
	return nil
}

func (t *pgTx) AddTotalPaid(ctx context.Context, contractID string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE loan_contracts SET total_paid = total_paid + $2::numeric WHERE id = $1`, contractID, amount.String())
	if err != nil {
		return fmt.Errorf("loan: increment total paid: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetContractStatus(ctx context.Context, contractID string, status ContractStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE loan_contracts SET status = $2 WHERE id = $1`, contractID, string(status))
	if err != nil {
		return fmt.Errorf("loan: set contract status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg OutboxMessage) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("loan: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := t.tx.Exec(ctx, q, msg.Topic, string(body)); err != nil {
		return fmt.Errorf("loan: enqueue outbox: %w", err)
	}
	return nil
}

func (t *pgTx) execBatch(ctx context.Context, batch *pgx.Batch, n int, op string) error {
	br := t.tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("loan: %s: %w", op, err)
		}
		if tag.RowsAffected() != 1 {
			_ = br.Close()
			return fmt.Errorf("loan: %s: statement %d affected %d rows", op, i, tag.RowsAffected())
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("loan: %s: %w", op, err)
	}
	return nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c      Contract
		status string
	)
	b := &c.Borrower
	err := row.Scan(
		&c.ID, &b.Title, &b.FirstName, &b.LastName, &b.Address, &b.BirthDate, &b.Phone, &b.NationalID,
		&b.Guarantor1Name, &b.Guarantor2Name, &b.Committee1Name, &b.Committee2Name,
		&b.BankAccountNumber, &b.BankName,
		&c.Principal, &c.InterestRate, &c.InstallmentCount,
		&c.TotalAmountDue, &c.TotalPaid, &status, &c.CreatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	c.Status = ContractStatus(status)
	return c, nil
}

func collectEntries(rows pgx.Rows) ([]InstallmentEntry, error) {
	defer rows.Close()

	out := make([]InstallmentEntry, 0, 16)
	for rows.Next() {
		var (
			e      InstallmentEntry
			status string
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Seq, &e.DueDate, &e.Amount, &status); err != nil {
			return nil, fmt.Errorf("loan: scan entry: %w", err)
		}
		e.Status = EntryStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loan: iterate entries: %w", err)
	}
	return out, nil
}
