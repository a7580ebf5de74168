package sqlhost

import "github.com/sqlvfs/sqlvfs/internal/errs"

// JournalMode mirrors the journal_mode config option in §4.3's open().
type JournalMode string

const (
	JournalMemory JournalMode = "memory"
	JournalWAL    JournalMode = "wal"
	JournalDelete JournalMode = "delete"
)

// Config is the open() configuration from §4.3.
type Config struct {
	Name          string
	PageSize      int // 512..65536, power of two; 0 defers to the cache default
	CacheSize     int // pages held in the clean LRU
	JournalMode   JournalMode
	EncryptionKey []byte // opaque; passed to the encryption hook, see Rekey
	AutoVacuum    bool
}

func (c Config) validate() error {
	if c.Name == "" {
		return errs.New(errs.InvalidConfig, "open: name is required")
	}
	if c.PageSize != 0 {
		if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
			return errs.New(errs.InvalidConfig, "open: page_size %d must be a power of two in [512, 65536]", c.PageSize)
		}
	}
	switch c.JournalMode {
	case "", JournalMemory, JournalDelete:
	case JournalWAL:
		// The registered VFS (vfs.go) only attaches a cache for the main
		// database name; it cannot serve the "-wal"/"-shm" auxiliary files
		// SQLite opens through the same VFS in WAL mode.
		return errs.New(errs.InvalidConfig, "open: journal_mode wal is not supported by this VFS")
	default:
		return errs.New(errs.InvalidConfig, "open: unknown journal_mode %q", c.JournalMode)
	}
	return nil
}
