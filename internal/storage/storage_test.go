package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/annex-node/annex/internal/apperr"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(context.Background(), Config{
		Path:          filepath.Join(dir, "annex.db"),
		BusyTimeoutMs: 5000,
		PoolMaxSize:   4,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenAppliesAllMigrations(t *testing.T) {
	e := openTestEngine(t)
	v, err := e.currentVersion(context.Background())
	if err != nil {
		t.Fatalf("currentVersion: %v", err)
	}
	if v != migrations[len(migrations)-1].version {
		t.Fatalf("expected schema at version %d, got %d", migrations[len(migrations)-1].version, v)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "annex.db"), BusyTimeoutMs: 5000, PoolMaxSize: 4}

	e1, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	e1.Close()

	e2, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer e2.Close()
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO channels (channel_id, name, channel_type) VALUES (?, ?, ?)`, "c1", "general", "public")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var count int
	row := e.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE channel_id = ?`, "c1")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected committed row to be visible, got count %d", count)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	sentinel := apperr.New(apperr.InvalidInput, "boom")
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO channels (channel_id, name, channel_type) VALUES (?, ?, ?)`, "c2", "general", "public"); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error to propagate, got %v", err)
	}

	var count int
	row := e.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE channel_id = ?`, "c2")
	if scanErr := row.Scan(&count); scanErr != nil {
		t.Fatalf("scan: %v", scanErr)
	}
	if count != 0 {
		t.Fatal("expected rolled-back insert to be invisible")
	}
}
