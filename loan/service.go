package loan

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultUpcomingLimit = 3
	MaxUpcomingLimit     = 100
	DefaultPageSize      = 20
	MaxPageSize          = 100

	defaultTxTimeout = 10 * time.Second
)

// CreateContractParams are the origination inputs. A nil InterestRate selects
// DefaultInterestRate.
type CreateContractParams struct {
	Borrower         Borrower
	Principal        decimal.Decimal
	InterestRate     *decimal.Decimal
	InstallmentCount int
}

// RepaymentRequest is one incoming payment against a contract.
type RepaymentRequest struct {
	ContractID  string
	AmountPaid  decimal.Decimal
	PaymentDate time.Time
	Method      string
}

// RepaymentResult reports how a committed payment was applied.
type RepaymentResult struct {
	Repayment Repayment
	Contract  Contract
	Applied   decimal.Decimal
	Unapplied decimal.Decimal
	Changed   []InstallmentEntry
}

// ContractPage is one page of ListContracts.
type ContractPage struct {
	Contracts []Contract
	Total     int
	Page      int
	PageSize  int
}

// Service is the ledger engine entry point.
type Service struct {
	store     Store
	now       func() time.Time
	idGen     func() string
	txTimeout time.Duration
	loc       *time.Location
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.idGen = gen }
}

// WithTxTimeout bounds every write transaction.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// WithLocation sets the time zone that decides the calendar day of a
// creation or a sweep. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		now:       time.Now,
		idGen:     uuid.NewString,
		txTimeout: defaultTxTimeout,
		loc:       time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateContract generates the schedule and persists the contract with all of
// its entries in one transaction.
func (s *Service) CreateContract(ctx context.Context, p CreateContractParams) (Contract, error) {
	if err := validateBorrower(p.Borrower); err != nil {
		return Contract{}, err
	}

	createdAt := s.now()
	plan, err := GenerateSchedule(ScheduleParams{
		Principal:        p.Principal,
		Rate:             p.InterestRate,
		InstallmentCount: p.InstallmentCount,
		CreatedAt:        createdAt.In(s.loc),
	})
	if err != nil {
		return Contract{}, err
	}

	contract := Contract{
		ID:               s.idGen(),
		Borrower:         p.Borrower,
		Principal:        p.Principal,
		InterestRate:     plan.Rate,
		InstallmentCount: p.InstallmentCount,
		TotalAmountDue:   plan.TotalAmountDue,
		TotalPaid:        decimal.Zero,
		Status:           ContractActive,
		CreatedAt:        createdAt.UTC(),
	}
	contract.Borrower.BirthDate = dateOf(p.Borrower.BirthDate)

	entries := plan.Entries
	for i := range entries {
		entries[i].ID = s.idGen()
		entries[i].ContractID = contract.ID
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Contract{}, err
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertContract(ctx, contract); err != nil {
		return Contract{}, err
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return Contract{}, err
	}
	if err := tx.EnqueueOutbox(ctx, OutboxMessage{
		Topic: OutboxTopicContractCreated,
		Payload: map[string]any{
			"contract_id":        contract.ID,
			"principal":          contract.Principal.StringFixed(moneyPlaces),
			"interest_rate":      contract.InterestRate.String(),
			"installment_count":  contract.InstallmentCount,
			"total_amount_due":   contract.TotalAmountDue.StringFixed(moneyPlaces),
			"installment_amount": plan.InstallmentAmount.StringFixed(moneyPlaces),
			"first_due_date":     entries[0].DueDate.Format(time.DateOnly),
		},
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, err
	}

	log.Printf("[LEDGER][CREATE] contract=%s principal=%s installments=%d total=%s",
		contract.ID, contract.Principal.StringFixed(moneyPlaces), contract.InstallmentCount, contract.TotalAmountDue.StringFixed(moneyPlaces))
	return contract, nil
}

// UpdateBorrower replaces the borrower details of an existing contract under
// the contract lock. Principal, rate, installment count and the schedule are
// never touched.
func (s *Service) UpdateBorrower(ctx context.Context, id string, b Borrower) (Contract, error) {
	if err := validateBorrower(b); err != nil {
		return Contract{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Contract{}, ErrNotFound
	}
	b.BirthDate = dateOf(b.BirthDate)

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Contract{}, err
	}
	defer tx.Rollback(ctx)

	contract, err := tx.LockContract(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	if err := tx.UpdateBorrower(ctx, id, b); err != nil {
		return Contract{}, err
	}
	if err := tx.EnqueueOutbox(ctx, OutboxMessage{
		Topic:   OutboxTopicBorrowerUpdated,
		Payload: map[string]any{"contract_id": id},
	}); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, err
	}

	contract.Borrower = b
	log.Printf("[LEDGER][BORROWER] contract=%s updated", id)
	return contract, nil
}

// SubmitRepayment allocates a payment across the contract's open entries and
// records it. The contract row stays locked from the entry read until commit.
// The whole call is aborted on timeout; callers retry the full request.
func (s *Service) SubmitRepayment(ctx context.Context, req RepaymentRequest) (RepaymentResult, error) {
	if err := validateRepayment(req); err != nil {
		return RepaymentResult{}, err
	}
	if _, err := uuid.Parse(req.ContractID); err != nil {
		return RepaymentResult{}, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return RepaymentResult{}, err
	}
	defer tx.Rollback(ctx)

	contract, err := tx.LockContract(ctx, req.ContractID)
	if err != nil {
		return RepaymentResult{}, err
	}

	open, err := tx.OpenEntries(ctx, contract.ID)
	if err != nil {
		return RepaymentResult{}, err
	}

	alloc, err := Allocate(open, req.AmountPaid, req.PaymentDate)
	if err != nil {
		return RepaymentResult{}, err
	}

	rep, err := recordRepayment(ctx, tx, recordParams{
		RepaymentID: s.idGen(),
		Contract:    contract,
		Request:     req,
		Allocation:  alloc,
		RecordedAt:  s.now().UTC(),
	})
	if err != nil {
		return RepaymentResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RepaymentResult{}, err
	}

	contract.TotalPaid = contract.TotalPaid.Add(req.AmountPaid)
	if alloc.OpenAfter == 0 {
		contract.Status = ContractSettled
	}

	if alloc.Unapplied.IsPositive() {
		log.Printf("[LEDGER][REPAY][OVERPAID] contract=%s paid=%s unapplied=%s balance=%s",
			contract.ID, req.AmountPaid.StringFixed(moneyPlaces), alloc.Unapplied.StringFixed(moneyPlaces), contract.RemainingBalance().StringFixed(moneyPlaces))
	}

	return RepaymentResult{
		Repayment: rep,
		Contract:  contract,
		Applied:   alloc.Applied,
		Unapplied: alloc.Unapplied,
		Changed:   alloc.Changed,
	}, nil
}

func (s *Service) GetContract(ctx context.Context, id string) (Contract, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Contract{}, ErrNotFound
	}
	return s.store.GetContract(ctx, id)
}

// ListContracts returns contracts newest first. page is 1-based.
func (s *Service) ListContracts(ctx context.Context, page, pageSize int) (ContractPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	contracts, total, err := s.store.ListContracts(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return ContractPage{}, err
	}
	return ContractPage{Contracts: contracts, Total: total, Page: page, PageSize: pageSize}, nil
}

// ListSchedule returns every entry of the contract ordered by seq.
func (s *Service) ListSchedule(ctx context.Context, contractID string) ([]InstallmentEntry, error) {
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListSchedule(ctx, contractID)
}

// ListUpcoming returns the next pending entries by due date.
func (s *Service) ListUpcoming(ctx context.Context, contractID string, limit int) ([]InstallmentEntry, error) {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	if limit > MaxUpcomingLimit {
		limit = MaxUpcomingLimit
	}
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListUpcoming(ctx, contractID, limit)
}

func (s *Service) ListRepayments(ctx context.Context, contractID string) ([]Repayment, error) {
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListRepayments(ctx, contractID)
}

func validateBorrower(b Borrower) error {
	required := []struct {
		field string
		value string
	}{
		{"title", b.Title},
		{"first_name", b.FirstName},
		{"last_name", b.LastName},
		{"address", b.Address},
		{"phone_number", b.Phone},
		{"id_card_number", b.NationalID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, r.field)
		}
	}
	if b.BirthDate.IsZero() {
		return fmt.Errorf("%w: birth_date is required", ErrInvalidInput)
	}
	return nil
}

func validateRepayment(req RepaymentRequest) error {
	if !req.AmountPaid.IsPositive() {
		return fmt.Errorf("%w: amount paid must be positive", ErrInvalidInput)
	}
	if !req.AmountPaid.Equal(req.AmountPaid.Round(moneyPlaces)) {
		return fmt.Errorf("%w: amount paid has more than %d decimal places", ErrInvalidInput, moneyPlaces)
	}
	if req.PaymentDate.IsZero() {
		return fmt.Errorf("%w: payment date required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Method) == "" {
		return fmt.Errorf("%w: payment method required", ErrInvalidInput)
	}
	return nil
}
