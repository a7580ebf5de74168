package sqlhost

import (
	"context"
	"io"
	"sync"

	"github.com/ncruces/go-sqlite3/vfs"

	"github.com/sqlvfs/sqlvfs/internal/errs"
	"github.com/sqlvfs/sqlvfs/internal/pagecache"
)

// registryVFS is the ncruces/go-sqlite3 vfs.VFS implementation that
// routes every page access through a pagecache.Cache (§4.2, §4.3 "it
// registers the VFS so every page read/write from SQL goes through
// §4.2"). One registryVFS instance is registered process-wide under a
// fixed name; individual database files are resolved by name through
// the caches map, which the Host populates on open/close.
type registryVFS struct {
	mu     sync.Mutex
	caches map[string]*pagecache.Cache
}

// vfsName is the SQLite VFS name this engine registers itself under.
const vfsName = "sqlvfs-block"

var sharedVFS = &registryVFS{caches: make(map[string]*pagecache.Cache)}

func init() {
	vfs.Register(vfsName, sharedVFS)
}

func (v *registryVFS) attach(name string, c *pagecache.Cache) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.caches[name] = c
}

func (v *registryVFS) detach(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.caches, name)
}

func (v *registryVFS) lookup(name string) (*pagecache.Cache, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.caches[name]
	return c, ok
}

// Open implements vfs.VFS. The SQL engine only ever opens names this
// Host has already attach()ed a cache for; a miss means a caller is
// trying to reach a database outside this engine's registry.
func (v *registryVFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	c, ok := v.lookup(name)
	if !ok {
		return nil, flags, errs.New(errs.NotOpen, "vfs: no attached cache for %q", name)
	}
	return &cacheFile{cache: c}, flags, nil
}

func (v *registryVFS) Delete(name string, syncDir bool) error {
	// Deletion of the logical database is a Block Store operation
	// (DeleteDatabase), driven explicitly by the Host, not by SQLite
	// unlinking a VFS-level file.
	return nil
}

func (v *registryVFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	_, ok := v.lookup(name)
	return ok, nil
}

func (v *registryVFS) FullPathname(name string) (string, error) {
	return name, nil
}

// cacheFile implements vfs.File over a pagecache.Cache, translating
// byte-offset ReadAt/WriteAt calls into page-indexed cache operations.
type cacheFile struct {
	cache *pagecache.Cache
}

func (f *cacheFile) pageSize() int {
	if ps := f.cache.PageSize(); ps != 0 {
		return ps
	}
	return 4096
}

func (f *cacheFile) ReadAt(p []byte, off int64) (int, error) {
	ps := f.pageSize()
	ctx := context.Background()
	n := 0
	for n < len(p) {
		pageIdx := uint32((off + int64(n)) / int64(ps))
		pageOff := int((off + int64(n)) % int64(ps))
		page, err := f.cache.ReadPage(ctx, pageIdx)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], page[pageOff:])
		n += copied
	}
	return n, nil
}

func (f *cacheFile) WriteAt(p []byte, off int64) (int, error) {
	ps := f.pageSize()
	ctx := context.Background()
	n := 0
	for n < len(p) {
		pageIdx := uint32((off + int64(n)) / int64(ps))
		pageOff := int((off + int64(n)) % int64(ps))
		page, err := f.cache.ReadPage(ctx, pageIdx)
		if err != nil {
			return n, err
		}
		if len(page) != ps {
			page = make([]byte, ps)
		}
		copied := copy(page[pageOff:], p[n:])
		if err := f.cache.WritePage(pageIdx, page); err != nil {
			return n, err
		}
		n += copied
	}
	return n, nil
}

func (f *cacheFile) Truncate(size int64) error {
	ps := int64(f.pageSize())
	pages := uint32((size + ps - 1) / ps)
	f.cache.Truncate(pages)
	return nil
}

func (f *cacheFile) Sync(fsync vfs.SyncFlag) error {
	return f.cache.Sync(context.Background())
}

func (f *cacheFile) Size() (int64, error) {
	return f.cache.FileSize(), nil
}

func (f *cacheFile) Close() error {
	return f.cache.Sync(context.Background())
}

// Lock/Unlock/CheckReservedLock: the engine enforces the single-writer
// invariant itself (§4.4, §4.5), so the VFS lock protocol is a no-op
// here rather than a second, redundant locking layer.
func (f *cacheFile) Lock(elock vfs.LockLevel) error           { return nil }
func (f *cacheFile) Unlock(elock vfs.LockLevel) error         { return nil }
func (f *cacheFile) CheckReservedLock() (bool, error)         { return false, nil }
func (f *cacheFile) SectorSize() int                          { return f.pageSize() }
func (f *cacheFile) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IocapSafeAppend | vfs.IocapSequential
}

var _ vfs.File = (*cacheFile)(nil)
var _ vfs.VFS = (*registryVFS)(nil)
var _ io.Closer = (*cacheFile)(nil)
