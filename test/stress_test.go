package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"coopledger/loan"
	"coopledger/test/actors"
	"coopledger/test/chaos"
	"coopledger/test/infra"
	"coopledger/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flEpochs      = flag.Int("epochs", 2, "number of reset-and-run rounds")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent repayers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

// sweepLead puts the sweeper's clock ahead of real time so the generated
// schedules have entries to promote.
const sweepLead = 4 * 30 * 24 * time.Hour

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN, int32(*flConcurrency*2+8))
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	store := loan.NewPGStore(h.Pool())
	ledger := loan.NewService(store, loan.WithTxTimeout(3*time.Second))
	sweeper := loan.NewService(store,
		loan.WithTxTimeout(3*time.Second),
		loan.WithClock(func() time.Time { return time.Now().Add(sweepLead) }),
	)

	epochs := max(*flEpochs, 1)
	perEpoch := *flDuration / time.Duration(epochs)
	for epoch := range epochs {
		if err := h.Reset(ctx); err != nil {
			t.Fatalf("epoch %d: %v", epoch, err)
		}
		stats := runEpoch(t, ctx, h.Pool(), ledger, sweeper, seed+int64(epoch)*1000, perEpoch)
		t.Logf("epoch %d: %s", epoch, stats)
		if stats.Created.Load() == 0 || stats.Repayments.Load() == 0 {
			t.Fatalf("epoch %d made no progress: %s", epoch, stats)
		}
	}
}

func runEpoch(t *testing.T, ctx context.Context, pool *pgxpool.Pool, ledger actors.Ledger, sweeper actors.Sweeper, seed int64, d time.Duration) *actors.Stats {
	t.Helper()

	book := &actors.Book{}
	stats := &actors.Stats{}
	stop := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return actors.Originator(gctx, ledger, book, stats, seed, stop) })
	g.Go(func() error { return actors.Originator(gctx, ledger, book, stats, seed+1, stop) })
	for i := range *flConcurrency {
		g.Go(func() error { return actors.Repayer(gctx, ledger, book, stats, seed+100+int64(i), stop) })
	}
	g.Go(func() error { return actors.Reader(gctx, ledger, book, stats, seed+200, stop) })
	g.Go(func() error { return actors.SweepLoop(gctx, sweeper, stats, stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, pool, seed+300, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, seed+400, 2*time.Second, stop)
	}

	deadline := time.Now().Add(d)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failure error
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			if failure = checkOracles(gctx, pool); failure != nil {
				break loop
			}
		}
	}

	close(stop)
	waitErr := g.Wait()
	t.Logf("contracts in book: %d", book.Len())

	if failure == nil {
		// Final pass once writers are quiet.
		failure = checkOracles(ctx, pool)
	}
	if failure != nil {
		dumpRecent(t, ctx, pool)
		t.Fatalf("%v (seed=%d, %s)", failure, seed, stats)
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v (seed=%d)", waitErr, seed)
	}
	return stats
}

// checkOracles retries once on transport errors, since chaos may have killed
// the oracle's own backend.
func checkOracles(ctx context.Context, pool *pgxpool.Pool) error {
	var lastErr error
	for range 2 {
		name, row, err := oracles.Run(ctx, pool)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lastErr = err
			continue
		}
		if name != "" {
			return fmt.Errorf("oracle %s failed, first row: %s", name, row)
		}
		return nil
	}
	return lastErr
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"loan_contracts", `SELECT id, total_amount_due, total_paid, status FROM loan_contracts ORDER BY created_at DESC LIMIT 20`},
		{"loan_payment_schedule", `SELECT loan_contract_id, seq, due_date, amount, status FROM loan_payment_schedule ORDER BY updated_at DESC LIMIT 50`},
		{"loan_repayment", `SELECT loan_contract_id, payment_date, amount_paid, applied_amount FROM loan_repayment ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
