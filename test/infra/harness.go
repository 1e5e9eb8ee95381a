package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a stress run works against: a container, a
// shared DSN or a local fallback, plus the migrated pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database (overrideDSN, STRESS_TEST_PG_DSN, Docker,
// then a local server) and applies the ledger migrations. Shared databases get
// an isolated schema so concurrent runs do not collide.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	pgC := &PGContainer{}
	dsn := overrideDSN
	if dsn == "" {
		dsn = os.Getenv(DSNEnv)
	}

	var err error
	switch {
	case dsn != "":
	case dockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
	default:
		dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("infra: resolve database: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, pgC.Shared(), maxConns)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("infra: migrate: %w", err)
	}

	return &Harness{container: pgC, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the isolated schema, if any, and tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); err == nil {
		err = termErr
	}
	return err
}

// Reset truncates the ledger tables to provide a clean slate for the next
// epoch. TRUNCATE bypasses the row-level append-only triggers.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE loan_repayment, loan_payment_schedule, loan_contracts, outbox`)
	if err != nil {
		return fmt.Errorf("infra: reset: %w", err)
	}
	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
