package loan

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryStatus is the lifecycle state of an installment entry.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryOverdue EntryStatus = "overdue"
	EntryPaid    EntryStatus = "paid"
)

// ContractStatus tracks whether a contract still has open installments.
type ContractStatus string

const (
	ContractActive  ContractStatus = "active"
	ContractSettled ContractStatus = "settled"
)

const (
	// OutboxTopicContractCreated is published when a contract and its schedule are committed.
	OutboxTopicContractCreated = "loan.contract_created"
	// OutboxTopicRepaymentRecorded is published for every committed repayment.
	OutboxTopicRepaymentRecorded = "loan.repayment_recorded"
	// OutboxTopicBorrowerUpdated is published when a contract's borrower details are edited.
	OutboxTopicBorrowerUpdated = "loan.borrower_updated"
)

// Borrower holds the member details captured at origination.
type Borrower struct {
	Title             string
	FirstName         string
	LastName          string
	Address           string
	BirthDate         time.Time
	Phone             string
	NationalID        string
	Guarantor1Name    string
	Guarantor2Name    string
	Committee1Name    string
	Committee2Name    string
	BankAccountNumber string
	BankName          string
}

// Contract mirrors the loan_contracts table.
type Contract struct {
	ID               string
	Borrower         Borrower
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal
	InstallmentCount int
	TotalAmountDue   decimal.Decimal
	TotalPaid        decimal.Decimal
	Status           ContractStatus
	CreatedAt        time.Time
}

// RemainingBalance is TotalAmountDue minus TotalPaid. It goes negative when a
// recorded payment exceeded what was owed.
func (c Contract) RemainingBalance() decimal.Decimal {
	return c.TotalAmountDue.Sub(c.TotalPaid)
}

// InstallmentEntry is one scheduled due-slice of a contract. Amount is the
// residual still owed on the slice.
type InstallmentEntry struct {
	ID         string
	ContractID string
	Seq        int
	DueDate    time.Time
	Amount     decimal.Decimal
	Status     EntryStatus
}

// Open reports whether the entry can still receive payment.
func (e InstallmentEntry) Open() bool {
	return e.Status == EntryPending || e.Status == EntryOverdue
}

// Repayment is an immutable record of one repayment call.
type Repayment struct {
	ID            string
	ContractID    string
	PaymentDate   time.Time
	AmountPaid    decimal.Decimal
	AppliedAmount decimal.Decimal
	Method        string
	CreatedAt     time.Time
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

// dateOf truncates t to its calendar date in t's own location, expressed at
// UTC midnight so dates compare and persist uniformly.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
