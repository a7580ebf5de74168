package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/blockstore/conformance"
)

func TestBackendConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) blockstore.Backend {
		dir := t.TempDir()
		b, err := Open(filepath.Join(dir, "blocks.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
