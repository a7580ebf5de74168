// Package conformance exercises the blockstore.Backend property tests
// from the design's testable-properties section against any Backend
// implementation, so both the in-memory fake and the bbolt-backed store
// are held to the same contract.
package conformance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// Run executes the full conformance suite against a freshly constructed
// backend. newBackend must return an empty, ready-to-use Backend.
func Run(t *testing.T, newBackend func(t *testing.T) blockstore.Backend) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGetRoundTrip(t, newBackend(t)) })
	t.Run("GetMissingReturnsNotFound", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("ChecksumIntegrity", func(t *testing.T) { testChecksumIntegrity(t, newBackend(t)) })
	t.Run("ScanOrdered", func(t *testing.T) { testScanOrdered(t, newBackend(t)) })
	t.Run("DeleteRange", func(t *testing.T) { testDeleteRange(t, newBackend(t)) })
	t.Run("EnumerateAndDeleteDatabase", func(t *testing.T) { testEnumerateAndDelete(t, newBackend(t)) })
	t.Run("ConditionalPutCAS", func(t *testing.T) { testConditionalPut(t, newBackend(t)) })
}

func testPutGetRoundTrip(t *testing.T, b blockstore.Backend) {
	ctx := context.Background()
	blk := blockstore.NewBlock(3, []byte("page payload"), 1)
	require.NoError(t, b.Put(ctx, "db1", blk))

	got, err := b.Get(ctx, "db1", 3)
	require.NoError(t, err)
	require.Equal(t, blk.Payload, got.Payload)
	require.Equal(t, blk.Checksum, got.Checksum)
	require.True(t, got.Verify())
}

func testGetMissing(t *testing.T, b blockstore.Backend) {
	_, err := b.Get(context.Background(), "nope", 0)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func testChecksumIntegrity(t *testing.T, b blockstore.Backend) {
	// The Backend itself is not required to detect tampering it never
	// performed; this test asserts only that a block read back still
	// verifies against its stored checksum, which is the precondition for
	// the VFS-level checksum-mismatch test in package pagecache.
	ctx := context.Background()
	blk := blockstore.NewBlock(7, []byte("data"), 1)
	require.NoError(t, b.Put(ctx, "db1", blk))
	got, err := b.Get(ctx, "db1", 7)
	require.NoError(t, err)
	require.True(t, got.Verify())
}

func testScanOrdered(t *testing.T, b blockstore.Backend) {
	ctx := context.Background()
	indices := []uint32{5, 1, 3, 2, 4}
	for _, i := range indices {
		require.NoError(t, b.Put(ctx, "db1", blockstore.NewBlock(i, []byte{byte(i)}, 1)))
	}
	cur, err := b.Scan(ctx, "db1", 0)
	require.NoError(t, err)
	defer cur.Close()

	var seen []uint32
	for {
		m, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, m.Index)
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, seen)
}

func testDeleteRange(t *testing.T, b blockstore.Backend) {
	ctx := context.Background()
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, b.Put(ctx, "db1", blockstore.NewBlock(i, []byte{byte(i)}, 1)))
	}
	last, err := b.DeleteRange(ctx, "db1", 2, 5)
	require.NoError(t, err)
	require.Equal(t, uint32(5), last)

	for i := uint32(2); i <= 5; i++ {
		_, err := b.Get(ctx, "db1", i)
		require.Error(t, err)
	}
	for _, i := range []uint32{0, 1, 6, 7} {
		_, err := b.Get(ctx, "db1", i)
		require.NoError(t, err)
	}
}

func testEnumerateAndDelete(t *testing.T, b blockstore.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "alpha", blockstore.NewBlock(0, []byte("a"), 1)))
	require.NoError(t, b.Put(ctx, "beta", blockstore.NewBlock(0, []byte("b"), 1)))

	names, err := b.EnumerateDatabases(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, names)

	require.NoError(t, b.DeleteDatabase(ctx, "alpha"))
	names, err = b.EnumerateDatabases(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"beta"}, names)

	_, err = b.Get(ctx, "alpha", 0)
	require.Error(t, err)
}

func testConditionalPut(t *testing.T, b blockstore.Backend) {
	ctx := context.Background()

	v1, err := b.ConditionalPut(ctx, "db1", "lease", 0, []byte("holder-a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	_, err = b.ConditionalPut(ctx, "db1", "lease", 0, []byte("holder-b"))
	require.Error(t, err, "stale expectVersion must be rejected")

	v2, err := b.ConditionalPut(ctx, "db1", "lease", v1, []byte("holder-b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	value, version, err := b.GetValue(ctx, "db1", "lease")
	require.NoError(t, err)
	require.Equal(t, []byte("holder-b"), value)
	require.Equal(t, v2, version)
}
