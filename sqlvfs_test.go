package sqlvfs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlvfs/sqlvfs/internal/blockstore/memory"
)

var errIntentionalAbort = errors.New("abort for test")

func TestCreateInsertQuery(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New())
	h, err := e.Open(ctx, Config{Name: "t1.db", PageSize: 4096}, nil)
	require.NoError(t, err)
	defer e.Close(ctx, h)

	_, err = e.Execute(ctx, h, "CREATE TABLE items(id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	res, err := e.Execute(ctx, h, "INSERT INTO items(id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)

	res, err = e.Execute(ctx, h, "INSERT INTO items(id, name) VALUES (2, 'b')")
	require.NoError(t, err)
	require.Equal(t, int64(1), res.RowsAffected)

	res, err = e.Execute(ctx, h, "SELECT name FROM items ORDER BY id")
	require.NoError(t, err)
	require.Equal(t, []string{"name"}, res.Columns)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "a", res.Rows[0][0].Text)
	require.Equal(t, "b", res.Rows[1][0].Text)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New())
	h, err := e.Open(ctx, Config{Name: "t2.db"}, nil)
	require.NoError(t, err)
	defer e.Close(ctx, h)

	_, err = e.Execute(ctx, h, "CREATE TABLE items(id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = e.Execute(ctx, h, "INSERT INTO items(id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	_, err = e.Execute(ctx, h, "INSERT INTO items(id, name) VALUES (2, 'b')")
	require.NoError(t, err)

	scopedErr := e.Scoped(ctx, h, Immediate, time.Second, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items(id, name) VALUES (3, 'c')")
		require.NoError(t, err)
		return errIntentionalAbort
	})
	require.ErrorIs(t, scopedErr, errIntentionalAbort)

	res, err := e.Execute(ctx, h, "SELECT count(*) FROM items")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Rows[0][0].Integer)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	e := New(backend)

	h1, err := e.Open(ctx, Config{Name: "src.db"}, nil)
	require.NoError(t, err)
	_, err = e.Execute(ctx, h1, "CREATE TABLE items(id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = e.Execute(ctx, h1, "INSERT INTO items(id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	_, err = e.Execute(ctx, h1, "INSERT INTO items(id, name) VALUES (2, 'b')")
	require.NoError(t, err)

	blob, err := e.ExportToBytes(ctx, h1)
	require.NoError(t, err)
	require.Equal(t, "SQLite format 3\x00", string(blob[:16]))

	h2, err := e.Open(ctx, Config{Name: "dst.db"}, nil)
	require.NoError(t, err)
	require.NoError(t, e.ImportFromBytes(ctx, h2, blob))

	res, err := e.Execute(ctx, h2, "SELECT name FROM items ORDER BY id")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, "a", res.Rows[0][0].Text)
	require.Equal(t, "b", res.Rows[1][0].Text)
}

func TestSingleTabAlwaysLeader(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New())
	h, err := e.Open(ctx, Config{Name: "solo.db"}, nil)
	require.NoError(t, err)
	defer e.Close(ctx, h)
	require.True(t, e.IsLeader(h))
	require.Nil(t, e.Metrics(h))
}
