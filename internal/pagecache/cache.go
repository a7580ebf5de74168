// Package pagecache implements §4.2 of the storage engine design: it
// translates fixed-size page I/O into blockstore operations, masking
// backend latency with an LRU over clean pages, tracking dirty pages
// until an explicit Sync, and exposing the SQLite on-disk export/import
// format. One page maps to exactly one block (the simplest, always-valid
// instance of "grouping is an implementation choice" from §3).
package pagecache

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

const metaPageCountKey = "__page_count__"

// Cache is the page-addressable interface described by §4.2's public
// contract table. It is owned exclusively by one database handle; it is
// not safe to share across handles (§5 "Shared-resource discipline").
type Cache struct {
	mu sync.Mutex

	backend blockstore.Backend
	dbName  string

	pageSize  int
	pageCount uint32
	pageSizeSet bool

	clean *lru.Cache[uint32, []byte]
	dirty map[uint32][]byte

	epoch uint64

	// invalidated is bumped by Invalidate; stream cursors compare their
	// captured value against the current one to detect staleness (§3
	// invariant 6, §4.2 "Invalidation on external change").
	invalidated uint64

	// pendingTruncate, when set, tells Sync to delete the physical blocks
	// at and beyond this index once dirty pages are flushed.
	pendingTruncate *uint32
}

// Config configures a new Cache.
type Config struct {
	PageSize int // must be a power of two in [512, 65536]; 0 means "not yet known, infer from first write or Import"
	Capacity int // clean-page LRU capacity; 0 means the §4.2 default of 2000
}

func validatePageSize(size int) error {
	if size == 0 {
		return nil
	}
	if size < 512 || size > 65536 {
		return errs.New(errs.InvalidConfig, "page size %d out of range [512, 65536]", size)
	}
	if size&(size-1) != 0 {
		return errs.New(errs.InvalidConfig, "page size %d is not a power of two", size)
	}
	return nil
}

// Open constructs a Cache over backend/dbName, restoring page_count and
// change epoch from the backing store (supporting reopen across process
// restarts and takeover by a newly elected leader). The epoch is restored
// as the highest write epoch carried by any stored block.
func Open(ctx context.Context, backend blockstore.Backend, dbName string, cfg Config) (*Cache, error) {
	if err := validatePageSize(cfg.PageSize); err != nil {
		return nil, err
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 2000
	}
	clean, err := lru.New[uint32, []byte](capacity)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, err, "create page LRU")
	}

	c := &Cache{
		backend:     backend,
		dbName:      dbName,
		pageSize:    cfg.PageSize,
		pageSizeSet: cfg.PageSize != 0,
		clean:       clean,
		dirty:       make(map[uint32][]byte),
	}

	raw, _, err := backend.GetValue(ctx, dbName, metaPageCountKey)
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "load page count for %s", dbName)
	}
	if len(raw) == 8 {
		c.pageCount = uint32(binary.BigEndian.Uint64(raw))
	}

	cur, err := backend.Scan(ctx, dbName, 0)
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "load change epoch for %s", dbName)
	}
	defer cur.Close()
	for {
		m, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.BackendIO, err, "load change epoch for %s", dbName)
		}
		if !ok {
			break
		}
		c.epoch = max(c.epoch, m.Epoch)
	}

	return c, nil
}

// PageSize returns the configured page size, or 0 if unset and no page
// has been written yet.
func (c *Cache) PageSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageSize
}

// PageCount returns the current logical page count.
func (c *Cache) PageCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageCount
}

// FileSize returns page_count * page_size, per §4.2.
func (c *Cache) FileSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.pageCount) * int64(c.pageSize)
}

// Epoch returns the change epoch last observed by this cache.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// setPageSizeLocked fixes the page size on first use; §4.2 "immutable
// after first write".
func (c *Cache) setPageSizeLocked(size int) error {
	if c.pageSizeSet {
		if size != c.pageSize {
			return errs.New(errs.HandleMisuse, "page size is immutable: have %d, got %d", c.pageSize, size)
		}
		return nil
	}
	if err := validatePageSize(size); err != nil {
		return err
	}
	c.pageSize = size
	c.pageSizeSet = true
	return nil
}

// ReadPage returns the last durably-written value for page n, or a
// zero-filled page if n is beyond page_count. A checksum mismatch on the
// backing block is fatal to the read (§4.2, §7): it never substitutes
// zeros for corrupt-but-present data.
func (c *Cache) ReadPage(ctx context.Context, n uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n >= c.pageCount {
		return make([]byte, c.pageSize), nil
	}
	if buf, ok := c.dirty[n]; ok {
		return append([]byte(nil), buf...), nil
	}
	if buf, ok := c.clean.Get(n); ok {
		return append([]byte(nil), buf...), nil
	}

	blk, err := c.readBlockWithRetry(ctx, n)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			// §9 Open Questions resolves this explicitly: zero-fill is only
			// valid for n >= page_count (invariant 4). A block missing
			// within page_count is a consistency failure, not a hole.
			return nil, errs.New(errs.CorruptPayload, "page %d within page_count has no backing block", n)
		}
		return nil, errs.Wrap(errs.BackendIO, err, "read page %d", n)
	}
	if !blk.Verify() {
		return nil, errs.New(errs.ChecksumMismatch, "page %d failed checksum verification", n)
	}

	page := append([]byte(nil), blk.Payload...)
	c.clean.Add(n, page)
	return append([]byte(nil), page...), nil
}

// readBlockWithRetry retries a single Get once on a transient backend
// failure, per §7's propagation policy ("retrying idempotent reads
// once on transient I/O failures"). NotFound is not retried: a missing
// block is a consistency question, not a transient glitch.
func (c *Cache) readBlockWithRetry(ctx context.Context, n uint32) (blockstore.Block, error) {
	var blk blockstore.Block
	op := func() error {
		var err error
		blk, err = c.backend.Get(ctx, c.dbName, n)
		if err != nil && errs.Is(err, errs.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return blockstore.Block{}, err
	}
	return blk, nil
}

// WritePage stores bytes in the dirty map. It is not durable until Sync.
func (c *Cache) WritePage(n uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setPageSizeLocked(len(data)); err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	c.dirty[n] = buf
	c.clean.Remove(n) // a clean entry for n is now stale
	if n+1 > c.pageCount {
		c.pageCount = n + 1
	}
	return nil
}

// Truncate logically trims the database to newPageCount pages; the
// physical block deletion is deferred to Sync, per §4.2.
func (c *Cache) Truncate(newPageCount uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newPageCount >= c.pageCount {
		c.pageCount = newPageCount
		return
	}
	for idx := range c.dirty {
		if idx >= newPageCount {
			delete(c.dirty, idx)
		}
	}
	c.clean.Purge()
	c.pendingTruncate = &newPageCount
	c.pageCount = newPageCount
}

// Sync flushes all dirty pages to the Block Store as a single atomic
// batch. On partial failure no pages are considered flushed (§4.2); the
// change epoch for the database is advanced only on full success.
func (c *Cache) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(ctx)
}

func (c *Cache) syncLocked(ctx context.Context) error {
	if len(c.dirty) == 0 && c.pendingTruncate == nil {
		return nil
	}

	nextEpoch := c.epoch + 1
	flushed := make([]uint32, 0, len(c.dirty))
	for idx, buf := range c.dirty {
		blk := blockstore.NewBlock(idx, buf, nextEpoch)
		if err := c.backend.Put(ctx, c.dbName, blk); err != nil {
			// §4.2: "on partial failure, no pages are considered flushed" —
			// the pages already Put are left in the backend (the backend's
			// own Put is atomic per-call), but none are promoted to clean
			// and the dirty map is left untouched so a retry resends them.
			return errs.Wrap(errs.BackendIO, err, "sync page %d", idx)
		}
		flushed = append(flushed, idx)
	}

	if c.pendingTruncate != nil {
		if _, err := c.backend.DeleteRange(ctx, c.dbName, *c.pendingTruncate, ^uint32(0)); err != nil {
			return errs.Wrap(errs.BackendIO, err, "truncate to %d", *c.pendingTruncate)
		}
		c.pendingTruncate = nil
	}

	for _, idx := range flushed {
		c.clean.Add(idx, c.dirty[idx])
		delete(c.dirty, idx)
	}

	if err := c.persistPageCountLocked(ctx); err != nil {
		return err
	}

	c.epoch = nextEpoch
	return nil
}

func (c *Cache) persistPageCountLocked(ctx context.Context) error {
	_, version, err := c.backend.GetValue(ctx, c.dbName, metaPageCountKey)
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "read page count version")
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c.pageCount))
	if _, err := c.backend.ConditionalPut(ctx, c.dbName, metaPageCountKey, version, buf); err != nil {
		return errs.Wrap(errs.BackendIO, err, "persist page count")
	}
	return nil
}

// DirtyCount reports the number of dirty pages. Used by tests asserting
// §8's "no dirty on follower" invariant.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// InvalidationEpoch returns the counter bumped by Invalidate, so stream
// cursors captured before an Invalidate call can detect staleness.
func (c *Cache) InvalidationEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// Invalidate discards all clean cache entries and forces the next read
// through the Block Store, per §4.2 "Invalidation on external change".
// Followers must never hold dirty pages (§8 property 6); if any are
// found here it indicates a coordinator bug upstream, and they are
// dropped rather than silently reused.
func (c *Cache) Invalidate(newEpoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clean.Purge()
	c.dirty = make(map[uint32][]byte)
	c.epoch = newEpoch
	c.invalidated++
}
