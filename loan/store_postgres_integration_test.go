package loan

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"coopledger/db"
)

// TestPGStore_Integration runs the ledger service against a real PostgreSQL
// reached through DATABASE_URL.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := &testClock{now: time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)}
	svc := NewService(NewPGStore(pool), WithClock(clock.Now))

	rate := dec("5")
	contract, err := svc.CreateContract(ctx, CreateContractParams{
		Borrower:         testBorrower(),
		Principal:        dec("1000"),
		InterestRate:     &rate,
		InstallmentCount: 4,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}

	stored, err := svc.GetContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if !stored.TotalAmountDue.Equal(dec("1050")) || stored.Status != ContractActive {
		t.Fatalf("unexpected stored contract: due=%s status=%s", stored.TotalAmountDue, stored.Status)
	}
	if !stored.Borrower.BirthDate.Equal(day(1980, time.May, 4)) {
		t.Fatalf("birth date round trip: got %v", stored.Borrower.BirthDate)
	}

	entries, err := svc.ListSchedule(ctx, contract.ID)
	if err != nil {
		t.Fatalf("list schedule: %v", err)
	}
	if len(entries) != 4 || !entries[0].DueDate.Equal(day(2024, time.April, 25)) {
		t.Fatalf("unexpected schedule: %+v", entries)
	}

	clock.Set(day(2024, time.May, 30))
	promoted, err := svc.RunOverdueSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if promoted < 2 {
		t.Fatalf("expected at least 2 promoted entries, got %d", promoted)
	}

	res, err := svc.SubmitRepayment(ctx, RepaymentRequest{
		ContractID:  contract.ID,
		AmountPaid:  dec("600"),
		PaymentDate: day(2024, time.May, 30),
		Method:      "cash",
	})
	if err != nil {
		t.Fatalf("submit repayment: %v", err)
	}
	if !res.Applied.Equal(dec("600")) {
		t.Fatalf("expected 600 applied, got %s", res.Applied)
	}

	entries, err = svc.ListSchedule(ctx, contract.ID)
	if err != nil {
		t.Fatalf("list schedule after repayment: %v", err)
	}
	wantAmounts := []string{"0", "0", "187.50", "262.50"}
	wantStatus := []EntryStatus{EntryPaid, EntryPaid, EntryPending, EntryPending}
	for i, e := range entries {
		if !e.Amount.Equal(dec(wantAmounts[i])) || e.Status != wantStatus[i] {
			t.Fatalf("entry %d: got %s/%s want %s/%s", e.Seq, e.Amount, e.Status, wantAmounts[i], wantStatus[i])
		}
	}

	var outboxCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE payload->>'contract_id' = $1`, contract.ID).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 2 {
		t.Fatalf("expected 2 outbox messages, got %d", outboxCount)
	}

	edited := testBorrower()
	edited.Address = "7 Soi Ruam Jai"
	edited.BankAccountNumber = "123-4-56789-0"
	if _, err := svc.UpdateBorrower(ctx, contract.ID, edited); err != nil {
		t.Fatalf("update borrower: %v", err)
	}
	stored, err = svc.GetContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("get contract after edit: %v", err)
	}
	if stored.Borrower.Address != "7 Soi Ruam Jai" || stored.Borrower.BankAccountNumber != "123-4-56789-0" {
		t.Fatalf("borrower not updated: %+v", stored.Borrower)
	}
	if !stored.Principal.Equal(dec("1000")) || !stored.TotalPaid.Equal(dec("600")) || stored.InstallmentCount != 4 {
		t.Fatalf("money terms changed by borrower edit: principal=%s paid=%s count=%d", stored.Principal, stored.TotalPaid, stored.InstallmentCount)
	}
	if _, err := svc.UpdateBorrower(ctx, uuid.NewString(), edited); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown contract, got %v", err)
	}

	// The repayment table is append-only.
	if _, err := pool.Exec(ctx, `DELETE FROM loan_repayment WHERE loan_contract_id = $1`, contract.ID); err == nil {
		t.Fatalf("expected delete on loan_repayment to be rejected")
	}

	_, err = svc.SubmitRepayment(ctx, RepaymentRequest{ContractID: uuid.NewString(), AmountPaid: dec("1"), PaymentDate: day(2024, time.May, 30), Method: "cash"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
