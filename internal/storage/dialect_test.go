package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	t.Parallel()

	q := "UPDATE crm_write_jobs SET status = ?, retry_count = ? WHERE id = ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "UPDATE crm_write_jobs SET status = $1, retry_count = $2 WHERE id = $3", Postgres.Rebind(q))
	assert.Equal(t, "SELECT 1", Postgres.Rebind("SELECT 1"))
}

func TestSkipLocked(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", SQLite.SkipLocked())
	assert.Equal(t, "FOR UPDATE SKIP LOCKED", Postgres.SkipLocked())
	assert.Equal(t, "postgres", Postgres.String())
	assert.Equal(t, "sqlite", SQLite.String())
}
