package memory

import (
	"testing"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/blockstore/conformance"
)

func TestBackendConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) blockstore.Backend {
		return New()
	})
}
