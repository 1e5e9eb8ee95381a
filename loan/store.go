package loan

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no contract exists for the provided identifier.
	ErrNotFound = errors.New("loan: contract not found")
	// ErrInvalidInput wraps every validation failure raised before a write begins.
	ErrInvalidInput = errors.New("loan: invalid input")
)

// Store is the persistence collaborator of the ledger. Reads run outside a
// transaction; every mutation goes through a Tx from Begin.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetContract(ctx context.Context, id string) (Contract, error)
	ListContracts(ctx context.Context, limit, offset int) ([]Contract, int, error)
	ListSchedule(ctx context.Context, contractID string) ([]InstallmentEntry, error)
	ListUpcoming(ctx context.Context, contractID string, limit int) ([]InstallmentEntry, error)
	ListRepayments(ctx context.Context, contractID string) ([]Repayment, error)
	// ContractsWithStaleEntries lists contracts holding pending entries due before asOf.
	ContractsWithStaleEntries(ctx context.Context, asOf time.Time) ([]string, error)
}

// Tx is one atomic unit of ledger writes. Rollback after Commit is a no-op so
// callers can always defer it.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	InsertContract(ctx context.Context, c Contract) error
	InsertEntries(ctx context.Context, entries []InstallmentEntry) error

	// LockContract takes the per-contract exclusive lock held until the
	// transaction ends and returns the locked row.
	LockContract(ctx context.Context, id string) (Contract, error)
	OpenEntries(ctx context.Context, contractID string) ([]InstallmentEntry, error)
	UpdateEntries(ctx context.Context, entries []InstallmentEntry) error
	MarkOverdue(ctx context.Context, contractID string, asOf time.Time) (int64, error)

	// UpdateBorrower rewrites the borrower columns only. Money terms and the
	// schedule are fixed at origination.
	UpdateBorrower(ctx context.Context, contractID string, b Borrower) error
	InsertRepayment(ctx context.Context, r Repayment) error
	AddTotalPaid(ctx context.Context, contractID string, amount decimal.Decimal) error
	SetContractStatus(ctx context.Context, contractID string, status ContractStatus) error

	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
}
