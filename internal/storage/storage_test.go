package storage

import (
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStorage(t)

	tables := []string{"orders", "disputes", "solvers", "users", "order_ratings"}
	for _, table := range tables {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	if err := s.runMigrations(); err != nil {
		t.Fatalf("runMigrations() error = %v", err)
	}
	if err := s.runMigrations(); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}
}
