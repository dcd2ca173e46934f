package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "crmq.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"crm_connections", "form_submissions", "crm_field_mappings", "crm_write_jobs"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
}

func TestOpenSQLiteAppliesPragmasToEveryConnection(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "crmq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxIdleConns(4)

	ctx := context.Background()
	conns := make([]interface{ Close() error }, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)

		var fk, timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys;").Scan(&fk))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout;").Scan(&timeout))
		assert.Equal(t, 1, fk)
		assert.Equal(t, 5000, timeout)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode))
		assert.Equal(t, "wal", mode)
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "crmq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Bootstrap(context.Background(), db))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, _, err := Open(context.Background(), "mysql", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	require.Error(t, err)
}
