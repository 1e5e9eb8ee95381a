package loan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepConcurrency bounds how many contracts are swept in parallel.
const SweepConcurrency = 4

// RunOverdueSweep promotes every pending entry due before today to overdue and
// returns how many entries changed. Each contract is swept in its own
// transaction under the contract lock so a sweep never interleaves with a
// repayment. Running it again on the same day promotes nothing. "Today" is
// the calendar day in the service location.
func (s *Service) RunOverdueSweep(ctx context.Context) (int64, error) {
	asOf := s.now().In(s.loc)

	ids, err := s.store.ContractsWithStaleEntries(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var promoted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(SweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, err := s.sweepContract(gctx, id, asOf)
			if err != nil {
				return fmt.Errorf("loan: sweep contract %s: %w", id, err)
			}
			promoted.Add(n)
			return nil
		})
	}
	err = g.Wait()

	log.Printf("[LEDGER][SWEEP] as_of=%s contracts=%d promoted=%d", dateOf(asOf).Format(time.DateOnly), len(ids), promoted.Load())
	return promoted.Load(), err
}

func (s *Service) sweepContract(ctx context.Context, contractID string, asOf time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.LockContract(ctx, contractID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	n, err := tx.MarkOverdue(ctx, contractID, asOf)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}
