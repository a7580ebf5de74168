// Package boltstore implements blockstore.Backend on top of go.etcd.io/bbolt,
// the durable, single-file, transactional key-value store used as the
// default on-disk backend when no IndexedDB-equivalent host facility is
// available (§6 "Any persistent local key-value facility satisfies this").
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

var (
	bucketBlocks = []byte("blocks") // nested per-database buckets live under here
	bucketKV     = []byte("kv")     // lease / config records, nested per-database
)

// Backend is a bbolt-backed blockstore.Backend. Each database name gets its
// own nested bucket under "blocks" and "kv" so EnumerateDatabases and
// DeleteDatabase are O(buckets), not O(blocks).
type Backend struct {
	db *bolt.DB
}

// Open opens or creates a bbolt file at path.
func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "open bolt store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.BackendIO, err, "init bolt store %s", path)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func indexKey(index uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], index)
	return k[:]
}

func encodeBlock(blk blockstore.Block) []byte {
	buf := make([]byte, 8+8+4+len(blk.Payload))
	binary.BigEndian.PutUint64(buf[0:8], blk.Checksum)
	binary.BigEndian.PutUint64(buf[8:16], blk.Epoch)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(blk.Payload)))
	copy(buf[20:], blk.Payload)
	return buf
}

func decodeBlock(index uint32, data []byte) (blockstore.Block, error) {
	if len(data) < 20 {
		return blockstore.Block{}, errs.New(errs.CorruptPayload, "block %d record too short", index)
	}
	checksum := binary.BigEndian.Uint64(data[0:8])
	epoch := binary.BigEndian.Uint64(data[8:16])
	payloadLen := binary.BigEndian.Uint32(data[16:20])
	payload := append([]byte(nil), data[20:]...)
	if int(payloadLen) != len(payload) {
		return blockstore.Block{}, errs.New(errs.CorruptPayload, "block %d payload length mismatch", index)
	}
	return blockstore.Block{Index: index, Payload: payload, Checksum: checksum, Epoch: epoch, PayloadLen: len(payload)}, nil
}

func (b *Backend) Put(_ context.Context, dbName string, block blockstore.Block) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketBlocks).CreateBucketIfNotExists([]byte(dbName))
		if err != nil {
			return err
		}
		return bucket.Put(indexKey(block.Index), encodeBlock(block))
	})
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "put block %d in %s", block.Index, dbName)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, dbName string, index uint32) (blockstore.Block, error) {
	var out blockstore.Block
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlocks).Bucket([]byte(dbName))
		if bucket == nil {
			return errs.New(errs.NotFound, "database %q not found", dbName)
		}
		data := bucket.Get(indexKey(index))
		if data == nil {
			return errs.New(errs.NotFound, "block %d not found", index)
		}
		blk, err := decodeBlock(index, data)
		if err != nil {
			return err
		}
		out = blk
		return nil
	})
	return out, err
}

func (b *Backend) DeleteRange(_ context.Context, dbName string, from, to uint32) (uint32, error) {
	var last uint32
	var anyDeleted bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlocks).Bucket([]byte(dbName))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
			idx := binary.BigEndian.Uint32(k)
			if idx > to {
				break
			}
			if err := bucket.Delete(k); err != nil {
				return err
			}
			last = idx
			anyDeleted = true
		}
		return nil
	})
	if err != nil {
		return last, errs.Wrap(errs.BackendIO, err, "delete range [%d,%d] in %s", from, to, dbName)
	}
	if !anyDeleted {
		return from, nil
	}
	return last, nil
}

func (b *Backend) Scan(_ context.Context, dbName string, from uint32) (blockstore.Cursor, error) {
	var meta []blockstore.Metadata
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlocks).Bucket([]byte(dbName))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint32(k)
			blk, err := decodeBlock(idx, v)
			if err != nil {
				return err
			}
			meta = append(meta, blockstore.Metadata{Index: idx, Checksum: blk.Checksum, Epoch: blk.Epoch, Len: blk.PayloadLen})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "scan %s", dbName)
	}
	return &cursor{items: meta}, nil
}

func (b *Backend) EnumerateDatabases(context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		return blocks.ForEachBucket(func(name []byte) error {
			if k, _ := blocks.Bucket(name).Cursor().First(); k != nil {
				names = append(names, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "enumerate databases")
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) DeleteDatabase(_ context.Context, name string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBlocks).Bucket([]byte(name)) != nil {
			if err := tx.Bucket(bucketBlocks).DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketKV).Bucket([]byte(name)) != nil {
			return tx.Bucket(bucketKV).DeleteBucket([]byte(name))
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "delete database %s", name)
	}
	return nil
}

func (b *Backend) ConditionalPut(_ context.Context, dbName, key string, expectVersion uint64, value []byte) (uint64, error) {
	var newVersion uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(dbName))
		if err != nil {
			return err
		}
		current := bucket.Get([]byte(key))
		currentVersion := uint64(0)
		if current != nil {
			currentVersion = binary.BigEndian.Uint64(current[:8])
		}
		if currentVersion != expectVersion {
			newVersion = currentVersion
			return errs.New(errs.ConstraintViolation, "conditional put version mismatch: have %d, expected %d", currentVersion, expectVersion)
		}
		newVersion = currentVersion + 1
		buf := make([]byte, 8+len(value))
		binary.BigEndian.PutUint64(buf[:8], newVersion)
		copy(buf[8:], value)
		return bucket.Put([]byte(key), buf)
	})
	if err != nil {
		if _, ok := errs.Of(err); ok {
			return newVersion, err
		}
		return newVersion, errs.Wrap(errs.BackendIO, err, "conditional put %s/%s", dbName, key)
	}
	return newVersion, nil
}

func (b *Backend) GetValue(_ context.Context, dbName, key string) ([]byte, uint64, error) {
	var value []byte
	var version uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKV).Bucket([]byte(dbName))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		if len(data) < 8 {
			return fmt.Errorf("malformed kv record for %s/%s", dbName, key)
		}
		version = binary.BigEndian.Uint64(data[:8])
		value = append([]byte(nil), data[8:]...)
		return nil
	})
	if err != nil {
		return nil, 0, errs.Wrap(errs.BackendIO, err, "get value %s/%s", dbName, key)
	}
	return value, version, nil
}

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
