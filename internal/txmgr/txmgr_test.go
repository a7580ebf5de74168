package txmgr

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec("CREATE TABLE items(id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	return db
}

func TestBeginCommitAdvancesAndReleasesSlot(t *testing.T) {
	db := newTestDB(t)
	synced := false
	m := New(db, func(ctx context.Context) error {
		synced = true
		return nil
	})

	require.Equal(t, Idle, m.State())
	require.NoError(t, m.Begin(context.Background(), ModeImmediate, time.Second))
	require.Equal(t, InWrite, m.State())

	tx, err := m.Tx()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO items(id, name) VALUES (1, 'a')")
	require.NoError(t, err)

	require.NoError(t, m.Commit(context.Background()))
	require.Equal(t, Idle, m.State())
	require.True(t, synced)
}

func TestRollbackDiscardsChanges(t *testing.T) {
	db := newTestDB(t)
	m := New(db, nil)

	require.NoError(t, m.Begin(context.Background(), ModeImmediate, time.Second))
	tx, err := m.Tx()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO items(id, name) VALUES (2, 'b')")
	require.NoError(t, err)
	require.NoError(t, m.Rollback())
	require.Equal(t, Idle, m.State())

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM items").Scan(&count))
	require.Equal(t, 0, count)
}

func TestWriteBusyWhenSlotHeldPastDeadline(t *testing.T) {
	db := newTestDB(t)
	m := New(db, nil)
	require.NoError(t, m.Begin(context.Background(), ModeImmediate, time.Second))

	err := m.Begin(context.Background(), ModeImmediate, 50*time.Millisecond)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.WriteBusy))
}

func TestScopedNestingFlattensAndPropagatesRollback(t *testing.T) {
	db := newTestDB(t)
	m := New(db, nil)

	outerErr := m.Scoped(context.Background(), ModeImmediate, time.Second, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items(id, name) VALUES (3, 'c')")
		require.NoError(t, err)

		// Nested scoped reuses the same transaction (depth 2).
		require.NoError(t, m.Begin(context.Background(), ModeImmediate, time.Second))
		require.Equal(t, InWrite, m.State())
		innerTx, err := m.Tx()
		require.NoError(t, err)
		require.Same(t, tx, innerTx)
		return m.Rollback() // nested rollback marks must-rollback
	})

	require.Error(t, outerErr)
	require.Equal(t, Idle, m.State())

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM items").Scan(&count))
	require.Equal(t, 0, count)
}
