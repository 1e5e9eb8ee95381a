package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestMigrationNames_Ordered(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected at least 2 migrations, got %v", names)
	}
	if names[0] != "0001_ledger.sql" {
		t.Fatalf("expected ledger migration first, got %s", names[0])
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestMigrate_AppliesEveryFile(t *testing.T) {
	rec := &recordingExecer{}
	if err := Migrate(context.Background(), rec); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	names, _ := MigrationNames()
	if len(rec.statements) != len(names) {
		t.Fatalf("expected %d executions, got %d", len(names), len(rec.statements))
	}
	if !strings.Contains(rec.statements[0], "CREATE TABLE IF NOT EXISTS loan_contracts") {
		t.Fatalf("first migration does not create loan_contracts")
	}
}

func TestMigrate_StopsOnError(t *testing.T) {
	rec := &recordingExecer{failOn: "CREATE TABLE IF NOT EXISTS outbox"}
	err := Migrate(context.Background(), rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "0002_outbox_staff.sql") {
		t.Fatalf("expected failing file in error, got %v", err)
	}
	if len(rec.statements) != 1 {
		t.Fatalf("expected only the first migration applied, got %d", len(rec.statements))
	}
}
