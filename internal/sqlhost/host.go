// Package sqlhost implements §4.3, the SQL Engine Host: it opens
// database handles against the embedded SQL engine (ncruces/go-sqlite3,
// the only pack dependency exposing a pluggable vfs.VFS registration
// surface), routes all page I/O through internal/pagecache, and
// exposes prepared statements and streaming cursors as registry
// entries.
package sqlhost

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
	"github.com/sqlvfs/sqlvfs/internal/pagecache"
	"github.com/sqlvfs/sqlvfs/internal/registry"
)

// driverName is the name ncruces/go-sqlite3/driver registers itself
// under via database/sql.
const driverName = "sqlite3"

type connection struct {
	mu     sync.Mutex
	name   string
	db     *sql.DB
	cache  *pagecache.Cache
	closed bool
	dirty  bool // DIRTY_HANDLE, per §7 "Fatal conditions"
}

type statement struct {
	connID registry.ID
	sqlRaw string
	prep   *sql.Stmt
}

type stream struct {
	connID           registry.ID
	rows             *sql.Rows
	cols             []string
	capturedInvalid  uint64
	cache            *pagecache.Cache
	closed           bool
}

// Host is the SQL Engine Host (§4.3). One Host owns every connection,
// prepared statement, and stream cursor opened through it; Teardown
// releases all of them.
type Host struct {
	backend blockstore.Backend

	conns  *registry.Table[*connection]
	stmts  *registry.Table[*statement]
	strms  *registry.Table[*stream]

	mu       sync.Mutex
	openName map[string]bool // guards AlreadyOpen per §4.3 open()
}

// New constructs a Host backed by the given Block Store.
func New(backend blockstore.Backend) *Host {
	return &Host{
		backend:  backend,
		conns:    registry.NewTable[*connection](),
		stmts:    registry.NewTable[*statement](),
		strms:    registry.NewTable[*stream](),
		openName: make(map[string]bool),
	}
}

// Open opens or creates a database handle, per §4.3 open().
func (h *Host) Open(ctx context.Context, cfg Config) (registry.ID, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	if h.openName[cfg.Name] {
		h.mu.Unlock()
		return 0, errs.New(errs.AlreadyOpen, "database %q is already open in this tab", cfg.Name)
	}
	h.openName[cfg.Name] = true
	h.mu.Unlock()

	cache, err := pagecache.Open(ctx, h.backend, cfg.Name, pagecache.Config{
		PageSize: cfg.PageSize,
		Capacity: cfg.CacheSize,
	})
	if err != nil {
		h.releaseOpenName(cfg.Name)
		return 0, err
	}
	sharedVFS.attach(cfg.Name, cache)

	dsn := fmt.Sprintf("file:%s?vfs=%s", cfg.Name, vfsName)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		sharedVFS.detach(cfg.Name)
		h.releaseOpenName(cfg.Name)
		return 0, errs.Wrap(errs.CorruptHeader, err, "open database %q", cfg.Name)
	}
	db.SetMaxOpenConns(1) // §5: single-threaded cooperative access per handle

	// The registered VFS (vfs.go) only attaches a cache for the main
	// database name, not for the "-journal" rollback file SQLite would
	// otherwise open through the same VFS on the first write. cfg.validate
	// already rejects "wal" for the same reason ("-wal"/"-shm"); force
	// "memory" unconditionally here so DELETE-mode's default never asks
	// this VFS for a journal file it cannot serve.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=MEMORY"); err != nil {
		return 0, wrapEngineErr(err)
	}
	// Same reasoning as journal_mode above: a file-backed temp store would
	// have SQLite open an unnamed temp b-tree file through this VFS too.
	if _, err := db.ExecContext(ctx, "PRAGMA temp_store=MEMORY"); err != nil {
		return 0, wrapEngineErr(err)
	}

	conn := &connection{name: cfg.Name, db: db, cache: cache}
	id := h.conns.Insert(conn)
	return id, nil
}

func (h *Host) releaseOpenName(name string) {
	h.mu.Lock()
	delete(h.openName, name)
	h.mu.Unlock()
}

func (h *Host) connFor(id registry.ID) (*connection, error) {
	conn, err := h.conns.Get(id)
	if err != nil {
		return nil, err
	}
	conn.mu.Lock()
	closed, dirty := conn.closed, conn.dirty
	conn.mu.Unlock()
	if closed || dirty {
		return nil, errs.New(errs.NotOpen, "handle is closed or marked dirty")
	}
	return conn, nil
}

// Execute runs one or more ';'-separated statements, per §4.3 execute().
func (h *Host) Execute(ctx context.Context, handle registry.ID, query string) (QueryResult, error) {
	return h.ExecuteWithParams(ctx, handle, query, nil)
}

// ExecuteWithParams is execute_with_params() (§4.3).
func (h *Host) ExecuteWithParams(ctx context.Context, handle registry.ID, query string, params []Value) (QueryResult, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return QueryResult{}, err
	}
	start := time.Now()

	args, err := bindArgs(params)
	if err != nil {
		return QueryResult{}, err
	}

	isQuery := looksLikeSelect(query)
	if isQuery {
		rows, err := conn.db.QueryContext(ctx, query, args...)
		if err != nil {
			return QueryResult{}, wrapEngineErr(err)
		}
		defer rows.Close()
		result, err := scanAll(rows)
		result.Elapsed = time.Since(start)
		return result, err
	}

	res, err := conn.db.ExecContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, wrapEngineErr(err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return QueryResult{RowsAffected: affected, LastInsertID: lastID, Elapsed: time.Since(start)}, nil
}

// ExecuteBatch runs statements in order, left to right (§4.3
// "Ordering"). It is atomic only if the caller wraps it in a
// transaction via the Transaction Manager.
func (h *Host) ExecuteBatch(ctx context.Context, handle registry.ID, statements []string) ([]QueryResult, error) {
	results := make([]QueryResult, 0, len(statements))
	for _, s := range statements {
		r, err := h.Execute(ctx, handle, s)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Prepare compiles sql and returns an opaque statement id (§4.3 prepare()).
func (h *Host) Prepare(ctx context.Context, handle registry.ID, query string) (registry.ID, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return 0, err
	}
	prep, err := conn.db.PrepareContext(ctx, query)
	if err != nil {
		return 0, wrapEngineErr(err)
	}
	id := h.stmts.Insert(&statement{connID: handle, sqlRaw: query, prep: prep})
	return id, nil
}

// ExecuteStatement runs a previously prepared statement (§4.3).
func (h *Host) ExecuteStatement(ctx context.Context, stmtID registry.ID, params []Value) (QueryResult, error) {
	st, err := h.stmts.Get(stmtID)
	if err != nil {
		return QueryResult{}, err
	}
	if _, err := h.connFor(st.connID); err != nil {
		return QueryResult{}, err
	}
	args, err := bindArgs(params)
	if err != nil {
		return QueryResult{}, err
	}
	start := time.Now()
	if looksLikeSelect(st.sqlRaw) {
		rows, err := st.prep.QueryContext(context.Background(), args...)
		if err != nil {
			return QueryResult{}, wrapEngineErr(err)
		}
		defer rows.Close()
		result, err := scanAll(rows)
		result.Elapsed = time.Since(start)
		return result, err
	}
	res, err := st.prep.ExecContext(context.Background(), args...)
	if err != nil {
		return QueryResult{}, wrapEngineErr(err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return QueryResult{RowsAffected: affected, LastInsertID: lastID, Elapsed: time.Since(start)}, nil
}

// Finalize releases a prepared statement's resources (§4.3 finalize()).
func (h *Host) Finalize(stmtID registry.ID) error {
	st, err := h.stmts.Get(stmtID)
	if err != nil {
		return err
	}
	h.stmts.Delete(stmtID)
	return st.prep.Close()
}

// PrepareStream compiles a SELECT for streaming (§4.3 prepare_stream()).
// The snapshot is bound by the read transaction the underlying driver
// opens for the query's lifetime.
func (h *Host) PrepareStream(ctx context.Context, handle registry.ID, query string, params []Value) (registry.ID, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return 0, err
	}
	args, err := bindArgs(params)
	if err != nil {
		return 0, err
	}
	rows, err := conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, wrapEngineErr(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return 0, wrapEngineErr(err)
	}
	id := h.strms.Insert(&stream{
		connID:          handle,
		rows:            rows,
		cols:            cols,
		capturedInvalid: conn.cache.InvalidationEpoch(),
		cache:           conn.cache,
	})
	return id, nil
}

// FetchNext yields up to batchSize rows; an empty batch signals end
// (§4.3 fetch_next()). A StaleCursor error is returned if the page
// cache was invalidated (by an external write) since the stream was
// opened (§8 scenario 6).
func (h *Host) FetchNext(ctx context.Context, streamID registry.ID, batchSize int) ([]Row, error) {
	s, err := h.strms.Get(streamID)
	if err != nil {
		return nil, err
	}
	if s.closed {
		return nil, errs.New(errs.HandleMisuse, "stream already closed")
	}
	if s.cache.InvalidationEpoch() != s.capturedInvalid {
		return nil, errs.New(errs.StaleCursor, "stream invalidated by external change")
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	out := make([]Row, 0, batchSize)
	for len(out) < batchSize {
		if !s.rows.Next() {
			if err := s.rows.Err(); err != nil {
				return out, wrapEngineErr(err)
			}
			break
		}
		row, err := scanOneRow(s.rows, len(s.cols))
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

// CloseStream releases a stream's cursor (§4.3 close_stream()).
func (h *Host) CloseStream(streamID registry.ID) error {
	s, err := h.strms.Get(streamID)
	if err != nil {
		return err
	}
	h.strms.Delete(streamID)
	s.closed = true
	return s.rows.Close()
}

// ExportToBytes serializes the database as a standard SQLite file
// (§4.2 Export, surfaced at §4.3 export_to_bytes()).
func (h *Host) ExportToBytes(ctx context.Context, handle registry.ID) ([]byte, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return nil, err
	}
	if _, err := conn.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		// best effort: not every journal_mode has a WAL to checkpoint
		_ = err
	}
	return conn.cache.Export(ctx)
}

// ImportFromBytes replaces the database's contents (§4.2 Import,
// surfaced at §4.3 import_from_bytes()). It destroys existing contents.
func (h *Host) ImportFromBytes(ctx context.Context, handle registry.ID, data []byte) error {
	conn, err := h.connFor(handle)
	if err != nil {
		return err
	}
	return conn.cache.Import(ctx, data)
}

// Close flushes and releases a handle (§4.3 close()). Releasing any
// held Tab Coordinator lease is the caller's responsibility (the Host
// has no coordinator dependency, per §9's layering).
func (h *Host) Close(handle registry.ID) error {
	conn, err := h.conns.Get(handle)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return nil
	}
	conn.closed = true
	h.conns.Delete(handle)
	h.releaseOpenName(conn.name)
	sharedVFS.detach(conn.name)
	if err := conn.cache.Sync(context.Background()); err != nil {
		return err
	}
	return conn.db.Close()
}

// Rekey re-encrypts a database in place (§4.3 rekey()). Encryption is
// delegated to an external hook; this engine's block store has no
// built-in at-rest cipher, so without a configured hook this is a
// structural no-op that still validates the handle is usable.
func (h *Host) Rekey(handle registry.ID, newKey []byte) error {
	_, err := h.connFor(handle)
	return err
}

// DBFor exposes the underlying *sql.DB for a handle, so a facade layer
// can wire a txmgr.Manager to it (§4.4 is a separate component from
// the Host; it needs a BeginTx-capable handle, not a copy of one).
func (h *Host) DBFor(handle registry.ID) (*sql.DB, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return nil, err
	}
	return conn.db, nil
}

// CacheFor exposes the underlying pagecache.Cache for a handle, so a
// facade layer can wire it as a txmgr.Manager's onCommit hook and a
// tabcoord.Coordinator's invalidation target.
func (h *Host) CacheFor(handle registry.ID) (*pagecache.Cache, error) {
	conn, err := h.connFor(handle)
	if err != nil {
		return nil, err
	}
	return conn.cache, nil
}

// MarkDirty flags a handle DIRTY_HANDLE (§7 "Fatal conditions"),
// exported for txmgr/tabcoord to call when they detect an
// unrecoverable failure against this handle.
func (h *Host) MarkDirty(handle registry.ID) {
	h.markDirty(handle)
}

func (h *Host) markDirty(handle registry.ID) {
	if conn, err := h.conns.Get(handle); err == nil {
		conn.mu.Lock()
		conn.dirty = true
		conn.mu.Unlock()
	}
}

func bindArgs(params []Value) ([]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	args := make([]any, len(params))
	for i, p := range params {
		v, err := toDriverValue(p)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidSQL, err, "bind parameter %d", i)
		}
		args[i] = v
	}
	return args, nil
}

func scanAll(rows *sql.Rows) (QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, wrapEngineErr(err)
	}
	result := QueryResult{Columns: cols}
	for rows.Next() {
		row, err := scanOneRow(rows, len(cols))
		if err != nil {
			return result, err
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return result, wrapEngineErr(err)
	}
	return result, nil
}

func scanOneRow(rows *sql.Rows, numCols int) (Row, error) {
	raw := make([]any, numCols)
	ptrs := make([]any, numCols)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, wrapEngineErr(err)
	}
	row := make(Row, numCols)
	for i, v := range raw {
		row[i] = fromDriverValue(v)
	}
	return row, nil
}

// looksLikeSelect is a coarse dispatch between Query and Exec paths.
// It is intentionally permissive: PRAGMA/EXPLAIN/WITH...SELECT all
// return rows and must go through QueryContext.
func looksLikeSelect(query string) bool {
	rest := strings.ToUpper(strings.TrimLeft(query, " \t\n\r"))
	for _, prefix := range []string{"SELECT", "PRAGMA", "WITH", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(rest, prefix) {
			return true
		}
	}
	return false
}

// wrapEngineErr maps a database/sql-surfaced error into the §7 error
// taxonomy. database/sql does not expose SQLite result codes directly
// without importing driver-internal types, so classification here is
// necessarily message-based best effort for constraint violations;
// everything else folds to InvalidSQL.
func wrapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if containsAny(msg, "UNIQUE constraint", "FOREIGN KEY constraint", "CHECK constraint", "NOT NULL constraint") {
		return errs.Wrap(errs.ConstraintViolation, err, "constraint violation")
	}
	if containsAny(msg, "database is locked", "SQLITE_BUSY") {
		return errs.Wrap(errs.WriteBusy, err, "engine reported busy")
	}
	return errs.Wrap(errs.InvalidSQL, err, "engine error")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
