package pagecache

import (
	"bytes"
	"context"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// sqliteMagic is the 16-byte header every standard SQLite 3 file begins
// with (§4.2, §6 "Public file format").
const sqliteMagic = "SQLite format 3\x00"

// headerPageSizeOffset/headerPageSizeLen locate the big-endian page-size
// field in the SQLite database header (bytes 16-17 of page 0). A value of
// 1 there means 65536, per the SQLite file format.
const (
	headerPageSizeOffset = 16
	headerPageSizeLen    = 2
)

// Export concatenates pages 0..page_count in index order with no framing,
// producing a byte-for-byte standard SQLite database file (§4.2 Export).
// Callers must Sync before Export to guarantee a byte-stable, non-pending
// snapshot (§8 property 3).
func (c *Cache) Export(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	pageSize := c.pageSize
	pageCount := c.pageCount
	c.mu.Unlock()

	if pageCount == 0 {
		// §8 boundary behavior: a database with zero tables still exports
		// one header page.
		pageCount = 1
	}

	out := make([]byte, 0, int(pageCount)*pageSize)
	for i := uint32(0); i < pageCount; i++ {
		page, err := c.ReadPage(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// decodeHeaderPageSize reads the page size declared in a SQLite header.
func decodeHeaderPageSize(header []byte) (int, error) {
	if len(header) < headerPageSizeOffset+headerPageSizeLen {
		return 0, errs.New(errs.CorruptHeader, "header too short to contain page size field")
	}
	raw := int(header[headerPageSizeOffset])<<8 | int(header[headerPageSizeOffset+1])
	switch {
	case raw == 1:
		return 65536, nil
	case raw >= 512 && raw <= 32768 && raw&(raw-1) == 0:
		return raw, nil
	default:
		return 0, errs.New(errs.CorruptHeader, "invalid declared page size %d", raw)
	}
}

// Import validates the SQLite magic header, reads the declared page size,
// splits data into pages, writes them transactionally (as one Sync batch),
// and replaces the current page_count (§4.2 Import). It destroys existing
// contents of the database.
func (c *Cache) Import(ctx context.Context, data []byte) error {
	if len(data) < len(sqliteMagic) || !bytes.Equal(data[:len(sqliteMagic)], []byte(sqliteMagic)) {
		return errs.New(errs.CorruptHeader, "missing SQLite format 3 magic header")
	}
	pageSize, err := decodeHeaderPageSize(data)
	if err != nil {
		return err
	}
	if len(data)%pageSize != 0 {
		return errs.New(errs.CorruptHeader, "import payload (%d bytes) is not a multiple of page size %d", len(data), pageSize)
	}
	pageCount := uint32(len(data) / pageSize)

	c.mu.Lock()
	c.pageSizeSet = false
	c.pageSize = 0
	c.mu.Unlock()

	for i := uint32(0); i < pageCount; i++ {
		page := data[int(i)*pageSize : int(i+1)*pageSize]
		if err := c.WritePage(i, page); err != nil {
			return err
		}
	}

	c.Truncate(pageCount)
	return c.Sync(ctx)
}
