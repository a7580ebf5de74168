// Package memory implements an in-process blockstore.Backend used by unit
// and property tests, and as the reference implementation every §8
// property must be exercisable against without a real IndexedDB/bbolt
// dependency.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

type database struct {
	blocks map[uint32]blockstore.Block
	kv     map[string]versionedValue
}

type versionedValue struct {
	value   []byte
	version uint64
}

// Backend is a mutex-guarded, map-based blockstore.Backend.
type Backend struct {
	mu  sync.Mutex
	dbs map[string]*database
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{dbs: make(map[string]*database)}
}

func (b *Backend) db(name string) *database {
	d, ok := b.dbs[name]
	if !ok {
		d = &database{blocks: make(map[uint32]blockstore.Block), kv: make(map[string]versionedValue)}
		b.dbs[name] = d
	}
	return d
}

func (b *Backend) Put(_ context.Context, dbName string, block blockstore.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db(dbName).blocks[block.Index] = block
	return nil
}

func (b *Backend) Get(_ context.Context, dbName string, index uint32) (blockstore.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dbs[dbName]
	if !ok {
		return blockstore.Block{}, errs.New(errs.NotFound, "database %q has no blocks", dbName)
	}
	blk, ok := d.blocks[index]
	if !ok {
		return blockstore.Block{}, errs.New(errs.NotFound, "block %d not found", index)
	}
	return blk, nil
}

func (b *Backend) DeleteRange(_ context.Context, dbName string, from, to uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dbs[dbName]
	if !ok {
		return from, nil
	}
	var last uint32
	have := false
	for i := from; i <= to; i++ {
		if _, ok := d.blocks[i]; ok {
			delete(d.blocks, i)
			last = i
			have = true
		}
		if i == to { // guard uint32 wraparound when to == max uint32
			break
		}
	}
	if !have {
		return from, nil
	}
	return last, nil
}

func (b *Backend) Scan(_ context.Context, dbName string, from uint32) (blockstore.Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dbs[dbName]
	if !ok {
		return &cursor{}, nil
	}
	var meta []blockstore.Metadata
	for _, blk := range d.blocks {
		if blk.Index < from {
			continue
		}
		meta = append(meta, blockstore.Metadata{
			Index:    blk.Index,
			Checksum: blk.Checksum,
			Epoch:    blk.Epoch,
			Len:      blk.PayloadLen,
		})
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i].Index < meta[j].Index })
	return &cursor{items: meta}, nil
}

func (b *Backend) EnumerateDatabases(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.dbs))
	for name, d := range b.dbs {
		if len(d.blocks) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) DeleteDatabase(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dbs, name)
	return nil
}

func (b *Backend) ConditionalPut(_ context.Context, dbName, key string, expectVersion uint64, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.db(dbName)
	current, exists := d.kv[key]
	currentVersion := uint64(0)
	if exists {
		currentVersion = current.version
	}
	if currentVersion != expectVersion {
		return currentVersion, errs.New(errs.ConstraintViolation, "conditional put version mismatch: have %d, expected %d", currentVersion, expectVersion)
	}
	newVersion := currentVersion + 1
	d.kv[key] = versionedValue{value: append([]byte(nil), value...), version: newVersion}
	return newVersion, nil
}

func (b *Backend) GetValue(_ context.Context, dbName, key string) ([]byte, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dbs[dbName]
	if !ok {
		return nil, 0, nil
	}
	v, ok := d.kv[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), v.value...), v.version, nil
}

func (b *Backend) Close() error { return nil }

type cursor struct {
	items []blockstore.Metadata
	pos   int
}

func (c *cursor) Next(context.Context) (blockstore.Metadata, bool, error) {
	if c.pos >= len(c.items) {
		return blockstore.Metadata{}, false, nil
	}
	m := c.items[c.pos]
	c.pos++
	return m, true, nil
}

func (c *cursor) Close() error { return nil }

var _ blockstore.Backend = (*Backend)(nil)
