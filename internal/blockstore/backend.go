package blockstore

import "context"

// Backend is the capability set a key-value backing store must offer
// (§9 "Polymorphism"): transactional put/get/delete, ordered range scan,
// database enumeration, and the conditional put used by the Tab
// Coordinator's lease compare-and-swap. Every property in the test suite
// must be exercisable against any Backend implementation, including the
// in-memory one in package memory.
type Backend interface {
	// Put writes one block atomically. The backend must not return until
	// the write is durably acknowledged (§4.1 "every put must be fully
	// acknowledged by the backend before returning").
	Put(ctx context.Context, db string, block Block) error

	// Get returns the block at index, or an *errs.Error of kind NotFound.
	// Implementations must not verify the checksum themselves — that is
	// the caller's (pagecache's) responsibility, per §4.1's "On checksum
	// mismatch, returns CHECKSUM_MISMATCH without silently yielding data"
	// being a VFS-level, not backend-level, contract.
	Get(ctx context.Context, db string, index uint32) (Block, error)

	// DeleteRange removes every block in [from, to] inclusive, atomically
	// per block. On partial failure it returns the last index that was
	// successfully removed along with the error.
	DeleteRange(ctx context.Context, db string, from, to uint32) (lastDeleted uint32, err error)

	// Scan returns an ordered, restartable iterator of block metadata
	// (no payload) for db, starting at or after `from`.
	Scan(ctx context.Context, db string, from uint32) (Cursor, error)

	// EnumerateDatabases returns the set of database names with at least
	// one stored block.
	EnumerateDatabases(ctx context.Context) ([]string, error)

	// DeleteDatabase removes every block under name.
	DeleteDatabase(ctx context.Context, name string) error

	// ConditionalPut performs a compare-and-swap write of an opaque value
	// under (db, key), succeeding only if the stored version equals
	// expectVersion (0 meaning "absent"). It backs the Tab Coordinator's
	// lease record (§4.5, §6 "Lease storage"). Returns the new version on
	// success.
	ConditionalPut(ctx context.Context, db, key string, expectVersion uint64, value []byte) (newVersion uint64, err error)

	// GetValue reads an opaque (db, key) record written via
	// ConditionalPut, along with its current version.
	GetValue(ctx context.Context, db, key string) (value []byte, version uint64, err error)

	// Close releases backend resources.
	Close() error
}

// Cursor iterates block metadata in ascending index order.
type Cursor interface {
	Next(ctx context.Context) (Metadata, bool, error)
	Close() error
}
