package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTxCommitAndRollback(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db, `CREATE TABLE items (name TEXT NOT NULL)`))
	ctx := context.Background()

	err = WithTx(ctx, db, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('kept')`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTx(ctx, db, func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('dropped')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 30, 0, 123456789, time.FixedZone("X", 3600))
	got := Time(Nanos(ts))
	assert.True(t, got.Equal(ts))
	assert.Equal(t, time.UTC, got.Location())
}
