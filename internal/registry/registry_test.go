package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

func TestTableInsertGetDelete(t *testing.T) {
	tbl := NewTable[string]()
	id := tbl.Insert("alpha")
	got, err := tbl.Get(id)
	require.NoError(t, err)
	require.Equal(t, "alpha", got)

	tbl.Delete(id)
	_, err = tbl.Get(id)
	require.True(t, errs.Is(err, errs.HandleMisuse))

	// Double-delete is a no-op, supporting idempotent teardown.
	require.NotPanics(t, func() { tbl.Delete(id) })
}

func TestTableIDsAreUnique(t *testing.T) {
	tbl := NewTable[int]()
	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id := tbl.Insert(i)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Equal(t, 100, tbl.Len())
}
