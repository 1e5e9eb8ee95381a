package loan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var errTxClosed = errors.New("loan: tx already closed")

// MemoryStore is an in-process Store. Reads inside a transaction observe
// committed state only; buffered writes become visible atomically on Commit.
// Per-contract exclusion is a one-slot channel so lock waits honour ctx.
type MemoryStore struct {
	mu         sync.Mutex
	contracts  map[string]Contract
	entries    map[string][]InstallmentEntry
	repayments map[string][]Repayment
	outbox     []OutboxMessage
	locks      map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:  make(map[string]Contract),
		entries:    make(map[string][]InstallmentEntry),
		repayments: make(map[string][]Repayment),
		locks:      make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("loan: begin tx: %w", err)
	}
	return &memTx{store: s, held: make(map[string]chan struct{})}, nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return Contract{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, limit, offset int) ([]Contract, int, error) {
	s.mu.Lock()
	all := make([]Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		all = append(all, c)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total {
		return []Contract{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListSchedule(_ context.Context, contractID string) ([]InstallmentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries[contractID]), nil
}

func (s *MemoryStore) ListUpcoming(_ context.Context, contractID string, limit int) ([]InstallmentEntry, error) {
	s.mu.Lock()
	pending := make([]InstallmentEntry, 0, limit)
	for _, e := range s.entries[contractID] {
		if e.Status == EntryPending {
			pending = append(pending, e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(pending, oldestFirst)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) ListRepayments(_ context.Context, contractID string) ([]Repayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.repayments[contractID]), nil
}

func (s *MemoryStore) ContractsWithStaleEntries(_ context.Context, asOf time.Time) ([]string, error) {
	day := dateOf(asOf)

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for id, entries := range s.entries {
		for _, e := range entries {
			if e.Status == EntryPending && dateOf(e.DueDate).Before(day) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Outbox returns a copy of every committed outbox message.
func (s *MemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *MemoryStore) lockFor(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

// memOp is one buffered write. check runs against committed state under the
// store mutex before any apply, so a commit is all or nothing.
type memOp struct {
	check func(s *MemoryStore) error
	apply func(s *MemoryStore)
}

type memTx struct {
	store  *MemoryStore
	held   map[string]chan struct{}
	ops    []memOp
	closed bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.closed {
		return errTxClosed
	}
	defer t.release()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("loan: commit tx: %w", err)
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range t.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(s); err != nil {
			return fmt.Errorf("loan: commit tx: %w", err)
		}
	}
	for _, op := range t.ops {
		op.apply(s)
	}
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.closed {
		return nil
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.closed = true
	t.ops = nil
	for id, l := range t.held {
		<-l
		delete(t.held, id)
	}
}

func (t *memTx) buffer(op memOp) error {
	if t.closed {
		return errTxClosed
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTx) InsertContract(_ context.Context, c Contract) error {
	return t.buffer(memOp{
		check: func(s *MemoryStore) error {
			if _, ok := s.contracts[c.ID]; ok {
				return fmt.Errorf("loan: duplicate contract id %s", c.ID)
			}
			return nil
		},
		apply: func(s *MemoryStore) { s.contracts[c.ID] = c },
	})
}

func (t *memTx) InsertEntries(_ context.Context, entries []InstallmentEntry) error {
	batch := slices.Clone(entries)
	return t.buffer(memOp{
		apply: func(s *MemoryStore) {
			for _, e := range batch {
				s.entries[e.ContractID] = append(s.entries[e.ContractID], e)
			}
			for _, e := range batch {
				slices.SortFunc(s.entries[e.ContractID], func(a, b InstallmentEntry) int { return a.Seq - b.Seq })
			}
		},
	})
}

func (t *memTx) LockContract(ctx context.Context, id string) (Contract, error) {
	if t.closed {
		return Contract{}, errTxClosed
	}
	if _, err := t.store.GetContract(ctx, id); err != nil {
		return Contract{}, err
	}
	if _, ok := t.held[id]; !ok {
		l := t.store.lockFor(id)
		select {
		case l <- struct{}{}:
			t.held[id] = l
		case <-ctx.Done():
			return Contract{}, fmt.Errorf("loan: lock contract: %w", ctx.Err())
		}
	}
	// Re-read after acquiring so the snapshot reflects the previous holder's commit.
	return t.store.GetContract(ctx, id)
}

func (t *memTx) OpenEntries(_ context.Context, contractID string) ([]InstallmentEntry, error) {
	if t.closed {
		return nil, errTxClosed
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]InstallmentEntry, 0, len(s.entries[contractID]))
	for _, e := range s.entries[contractID] {
		if e.Open() {
			open = append(open, e)
		}
	}
	return open, nil
}

func (t *memTx) UpdateEntries(_ context.Context, entries []InstallmentEntry) error {
	batch := slices.Clone(entries)
	return t.buffer(memOp{
		check: func(s *MemoryStore) error {
			for _, e := range batch {
				if indexOfEntry(s.entries[e.ContractID], e.ID) < 0 {
					return fmt.Errorf("loan: update entries: entry %s not found", e.ID)
				}
			}
			return nil
		},
		apply: func(s *MemoryStore) {
			for _, e := range batch {
				rows := s.entries[e.ContractID]
				i := indexOfEntry(rows, e.ID)
				rows[i].Amount = e.Amount
				rows[i].Status = e.Status
			}
		},
	})
}

func (t *memTx) MarkOverdue(_ context.Context, contractID string, asOf time.Time) (int64, error) {
	if t.closed {
		return 0, errTxClosed
	}
	day := dateOf(asOf)
	stale := func(e InstallmentEntry) bool {
		return e.Status == EntryPending && dateOf(e.DueDate).Before(day)
	}

	s := t.store
	s.mu.Lock()
	var n int64
	for _, e := range s.entries[contractID] {
		if stale(e) {
			n++
		}
	}
	s.mu.Unlock()

	if n == 0 {
		return 0, nil
	}
	err := t.buffer(memOp{
		apply: func(s *MemoryStore) {
			rows := s.entries[contractID]
			for i := range rows {
				if stale(rows[i]) {
					rows[i].Status = EntryOverdue
				}
			}
		},
	})
	return n, err
}

func (t *memTx) UpdateBorrower(_ context.Context, contractID string, b Borrower) error {
	return t.buffer(memOp{
		check: contractExists(contractID),
		apply: func(s *MemoryStore) {
			c := s.contracts[contractID]
			c.Borrower = b
			s.contracts[contractID] = c
		},
	})
}

func (t *memTx) InsertRepayment(_ context.Context, r Repayment) error {
	return t.buffer(memOp{
		apply: func(s *MemoryStore) {
			s.repayments[r.ContractID] = append(s.repayments[r.ContractID], r)
		},
	})
}

func (t *memTx) AddTotalPaid(_ context.Context, contractID string, amount decimal.Decimal) error {
	return t.buffer(memOp{
		check: contractExists(contractID),
		apply: func(s *MemoryStore) {
			c := s.contracts[contractID]
			c.TotalPaid = c.TotalPaid.Add(amount)
			s.contracts[contractID] = c
		},
	})
}

func (t *memTx) SetContractStatus(_ context.Context, contractID string, status ContractStatus) error {
	return t.buffer(memOp{
		check: contractExists(contractID),
		apply: func(s *MemoryStore) {
			c := s.contracts[contractID]
			c.Status = status
			s.contracts[contractID] = c
		},
	})
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg OutboxMessage) error {
	return t.buffer(memOp{
		apply: func(s *MemoryStore) { s.outbox = append(s.outbox, msg) },
	})
}

func contractExists(id string) func(s *MemoryStore) error {
	return func(s *MemoryStore) error {
		if _, ok := s.contracts[id]; !ok {
			return ErrNotFound
		}
		return nil
	}
}

func indexOfEntry(rows []InstallmentEntry, id string) int {
	return slices.IndexFunc(rows, func(e InstallmentEntry) bool { return e.ID == id })
}
