package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"coopledger/loan"
)

// Ledger is the part of loan.Service the actors drive.
type Ledger interface {
	CreateContract(ctx context.Context, p loan.CreateContractParams) (loan.Contract, error)
	SubmitRepayment(ctx context.Context, req loan.RepaymentRequest) (loan.RepaymentResult, error)
	ListUpcoming(ctx context.Context, contractID string, limit int) ([]loan.InstallmentEntry, error)
}

// Sweeper runs the overdue promotion.
type Sweeper interface {
	RunOverdueSweep(ctx context.Context) (int64, error)
}

// Book is the set of contract ids created so far, shared between actors.
type Book struct {
	mu  sync.RWMutex
	ids []string
}

func (b *Book) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick returns a random contract id, or false while the book is empty.
func (b *Book) Pick(rng *rand.Rand) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// Stats counts outcomes across actors. Transient failures are expected while
// chaos is terminating backends.
type Stats struct {
	Created    atomic.Int64
	Repayments atomic.Int64
	Promoted   atomic.Int64
	Transient  atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d repayments=%d promoted=%d transient=%d",
		s.Created.Load(), s.Repayments.Load(), s.Promoted.Load(), s.Transient.Load())
}

// classify returns nil for errors an actor should shrug off and the error
// itself when the run must stop.
func classify(ctx context.Context, err error, stats *Stats) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, loan.ErrInvalidInput):
		return fmt.Errorf("ledger rejected generated input: %w", err)
	default:
		stats.Transient.Add(1)
		return nil
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Originator opens contracts with random principals and terms.
func Originator(ctx context.Context, ledger Ledger, book *Book, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		principal := decimal.NewFromInt(int64(500 + rng.Intn(50)*100))
		c, err := ledger.CreateContract(ctx, loan.CreateContractParams{
			Borrower: loan.Borrower{
				Title:      "Ms",
				FirstName:  fmt.Sprintf("Member%d", seed),
				LastName:   fmt.Sprintf("Stress%d", n),
				Address:    "1 Cooperative Road",
				BirthDate:  time.Date(1980+rng.Intn(20), time.Month(1+rng.Intn(12)), 1+rng.Intn(28), 0, 0, 0, 0, time.UTC),
				Phone:      "0800000000",
				NationalID: fmt.Sprintf("%013d", rng.Int63n(1e13)),
			},
			Principal:        principal,
			InstallmentCount: 1 + rng.Intn(24),
		})
		if err := classify(ctx, err, stats); err != nil {
			return fmt.Errorf("originator: %w", err)
		}
		if err == nil {
			book.Add(c.ID)
			stats.Created.Add(1)
		}
		time.Sleep(time.Duration(20+rng.Intn(30)) * time.Millisecond)
	}
}

// Repayer hammers random contracts with payments dated around today, so all
// three waterfall buckets and overpayment get exercised.
func Repayer(ctx context.Context, ledger Ledger, book *Book, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	methods := []string{"cash", "transfer", "payroll"}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}

		id, ok := book.Pick(rng)
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		amount := decimal.New(int64(1+rng.Intn(60000)), -2)
		_, err := ledger.SubmitRepayment(ctx, loan.RepaymentRequest{
			ContractID:  id,
			AmountPaid:  amount,
			PaymentDate: time.Now().AddDate(0, 0, rng.Intn(240)-60),
			Method:      methods[rng.Intn(len(methods))],
		})
		if err := classify(ctx, err, stats); err != nil {
			return fmt.Errorf("repayer %s: %w", id, err)
		}
		if err == nil {
			stats.Repayments.Add(1)
		}
		time.Sleep(time.Duration(5+rng.Intn(15)) * time.Millisecond)
	}
}

// SweepLoop runs the overdue sweep back to back. The service behind it
// should carry a clock ahead of real time so entries actually go overdue.
func SweepLoop(ctx context.Context, sweeper Sweeper, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n, err := sweeper.RunOverdueSweep(ctx)
		if err := classify(ctx, err, stats); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
		stats.Promoted.Add(n)
		time.Sleep(150 * time.Millisecond)
	}
}

// Reader polls upcoming installments while writers hold contract locks.
func Reader(ctx context.Context, ledger Ledger, book *Book, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if id, ok := book.Pick(rng); ok {
			_, err := ledger.ListUpcoming(ctx, id, loan.DefaultUpcomingLimit)
			if err := classify(ctx, err, stats); err != nil {
				return fmt.Errorf("reader %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(10+rng.Intn(20)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, failing one in ten to leave retries behind.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if err := drainOutbox(ctx, pool, rng); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func drainOutbox(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id::text FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
	if err != nil {
		return err
	}
	ids := make([]string, 0, 10)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		sql := `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1::uuid`
		if rng.Intn(10) == 0 {
			sql = `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1::uuid`
		}
		if _, err := tx.Exec(ctx, sql, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
