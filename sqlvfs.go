// Package sqlvfs is the public in-process API described by §6: the
// union of the SQL Engine Host (§4.3), Transaction Manager (§4.4), and
// Tab Coordinator (§4.5) operations, addressed through a single
// handle-keyed registry with {Init, Teardown} discipline (§9).
package sqlvfs

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
	"github.com/sqlvfs/sqlvfs/internal/pagecache"
	"github.com/sqlvfs/sqlvfs/internal/registry"
	"github.com/sqlvfs/sqlvfs/internal/sqlhost"
	"github.com/sqlvfs/sqlvfs/internal/tabcoord"
	"github.com/sqlvfs/sqlvfs/internal/txmgr"
)

// Re-exported types so callers depend only on this package.
type (
	Config        = sqlhost.Config
	JournalMode   = sqlhost.JournalMode
	Value         = sqlhost.Value
	Row           = sqlhost.Row
	QueryResult   = sqlhost.QueryResult
	Mode          = txmgr.Mode
	Channel       = tabcoord.Channel
	CoordMetrics  = tabcoord.Metrics
)

const (
	JournalMemory = sqlhost.JournalMemory
	JournalWAL    = sqlhost.JournalWAL
	JournalDelete = sqlhost.JournalDelete

	Deferred  = txmgr.ModeDeferred
	Immediate = txmgr.ModeImmediate
	Exclusive = txmgr.ModeExclusive
)

// Handle is an opaque identifier for an open database, valid only
// within the Engine that produced it.
type Handle registry.ID

// CoordinatorConfig opts a handle into multi-tab coordination (§4.5).
// Leave Channel nil to run single-tab with forwarding disabled, which
// is equivalent to AllowNonLeaderWrites (§4.5 "single-tab deployments
// and testing").
type CoordinatorConfig struct {
	Channel              tabcoord.Channel
	HolderID             string
	LeaseTTL             time.Duration
	AllowNonLeaderWrites bool
	Optimistic           bool
}

type handleState struct {
	txm                  *txmgr.Manager
	coord                *tabcoord.Coordinator
	cache                *pagecache.Cache
	allowNonLeaderWrites bool
}

// Engine is the top-level facade: one Engine owns one Block Store and
// every handle opened against it. A Handle is the same identifier the
// Host assigned its connection; the facade adds per-handle txmgr/
// tabcoord state alongside it rather than minting a second ID space.
type Engine struct {
	backend blockstore.Backend
	host    *sqlhost.Host

	mu      sync.Mutex
	handles map[registry.ID]*handleState
}

// New constructs an Engine over backend (§6 "Backing key-value store").
func New(backend blockstore.Backend) *Engine {
	return &Engine{
		backend: backend,
		host:    sqlhost.New(backend),
		handles: make(map[registry.ID]*handleState),
	}
}

// Open opens or creates a database, optionally joining multi-tab
// coordination if coord is non-nil (§4.3 open(), §4.5 "Joining").
func (e *Engine) Open(ctx context.Context, cfg Config, coord *CoordinatorConfig) (Handle, error) {
	hostID, err := e.host.Open(ctx, cfg)
	if err != nil {
		return 0, err
	}

	db, err := e.host.DBFor(hostID)
	if err != nil {
		return 0, err
	}
	cache, err := e.host.CacheFor(hostID)
	if err != nil {
		return 0, err
	}

	st := &handleState{cache: cache}
	st.txm = txmgr.New(db, func(ctx context.Context) error { return cache.Sync(ctx) })

	if coord != nil && coord.Channel != nil {
		cc := tabcoord.Config{
			DB:                   cfg.Name,
			HolderID:             coord.HolderID,
			LeaseTTL:             coord.LeaseTTL,
			AllowNonLeaderWrites: coord.AllowNonLeaderWrites,
			Optimistic:           coord.Optimistic,
		}
		exec := func(ctx context.Context, sqlText string, params []byte) ([]byte, error) {
			result, err := e.host.ExecuteWithParams(ctx, hostID, sqlText, nil)
			if err != nil {
				return nil, err
			}
			// The write just committed (autocommit) on the leader's own
			// connection; followers only learn about it if we broadcast
			// the epoch it just advanced to (§4.5 "Write forwarding").
			if st.coord != nil {
				_ = st.coord.NotifyCommit(ctx, cache.Epoch())
			}
			return encodeResult(result), nil
		}
		st.coord = tabcoord.New(cc, e.backend, coord.Channel, exec,
			func(epoch uint64) { cache.Invalidate(epoch) },
			func() { cache.Invalidate(cache.Epoch()) },
		)
		st.allowNonLeaderWrites = coord.AllowNonLeaderWrites
		if err := st.coord.Join(ctx); err != nil {
			return 0, err
		}
	}

	e.mu.Lock()
	e.handles[hostID] = st
	e.mu.Unlock()
	return Handle(hostID), nil
}

func (e *Engine) state(h Handle) (*handleState, error) {
	e.mu.Lock()
	st, ok := e.handles[registry.ID(h)]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotOpen, "unknown handle %d", h)
	}
	return st, nil
}

// Execute runs sql against handle, forwarding to the leader first if
// this tab is a follower and forwarding is enabled (§4.3 execute(),
// §4.5 "Write forwarding").
func (e *Engine) Execute(ctx context.Context, h Handle, query string) (QueryResult, error) {
	return e.ExecuteWithParams(ctx, h, query, nil)
}

// ExecuteWithParams is execute_with_params() (§4.3), routed through the
// Tab Coordinator when the call is classified as a write and this tab
// is not the leader.
func (e *Engine) ExecuteWithParams(ctx context.Context, h Handle, query string, params []Value) (QueryResult, error) {
	st, err := e.state(h)
	if err != nil {
		return QueryResult{}, err
	}

	if st.coord != nil && !st.coord.IsLeader() && !st.allowNonLeaderWrites && isWrite(query) {
		if params != nil {
			return QueryResult{}, errs.New(errs.HandleMisuse, "forwarded writes with positional params are not supported; inline values before forwarding")
		}
		raw, err := st.coord.ForwardWrite(ctx, query, nil, 5*time.Second)
		if err != nil {
			return QueryResult{}, err
		}
		return decodeResult(raw), nil
	}

	result, err := e.host.ExecuteWithParams(ctx, registry.ID(h), query, params)
	if err == nil && st.coord != nil && st.coord.IsLeader() && isWrite(query) {
		// This statement just committed (autocommit) on the leader's own
		// connection; broadcast the epoch it advanced to so followers
		// invalidate instead of reading a stale cache (§4.5, §8 scenario 5).
		_ = st.coord.NotifyCommit(ctx, st.cache.Epoch())
	}
	return result, err
}

// ExecuteBatch is execute_batch() (§4.3).
func (e *Engine) ExecuteBatch(ctx context.Context, h Handle, statements []string) ([]QueryResult, error) {
	return e.host.ExecuteBatch(ctx, registry.ID(h), statements)
}

// Prepare is prepare() (§4.3).
func (e *Engine) Prepare(ctx context.Context, h Handle, query string) (registry.ID, error) {
	return e.host.Prepare(ctx, registry.ID(h), query)
}

// ExecuteStatement is execute_statement() (§4.3).
func (e *Engine) ExecuteStatement(ctx context.Context, stmtID registry.ID, params []Value) (QueryResult, error) {
	return e.host.ExecuteStatement(ctx, stmtID, params)
}

// Finalize is finalize() (§4.3).
func (e *Engine) Finalize(stmtID registry.ID) error { return e.host.Finalize(stmtID) }

// PrepareStream is prepare_stream() (§4.3).
func (e *Engine) PrepareStream(ctx context.Context, h Handle, query string, params []Value) (registry.ID, error) {
	return e.host.PrepareStream(ctx, registry.ID(h), query, params)
}

// FetchNext is fetch_next() (§4.3).
func (e *Engine) FetchNext(ctx context.Context, streamID registry.ID, batchSize int) ([]Row, error) {
	return e.host.FetchNext(ctx, streamID, batchSize)
}

// CloseStream is close_stream() (§4.3).
func (e *Engine) CloseStream(streamID registry.ID) error { return e.host.CloseStream(streamID) }

// ExportToBytes is export_to_bytes() (§4.2/§4.3).
func (e *Engine) ExportToBytes(ctx context.Context, h Handle) ([]byte, error) {
	return e.host.ExportToBytes(ctx, registry.ID(h))
}

// ImportFromBytes is import_from_bytes() (§4.2/§4.3).
func (e *Engine) ImportFromBytes(ctx context.Context, h Handle, data []byte) error {
	return e.host.ImportFromBytes(ctx, registry.ID(h), data)
}

// Rekey is rekey() (§4.3).
func (e *Engine) Rekey(h Handle, newKey []byte) error {
	return e.host.Rekey(registry.ID(h), newKey)
}

// Begin is begin() (§4.4).
func (e *Engine) Begin(ctx context.Context, h Handle, mode Mode, deadline time.Duration) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	return st.txm.Begin(ctx, mode, deadline)
}

// Commit is commit() (§4.4).
func (e *Engine) Commit(ctx context.Context, h Handle) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	err = st.txm.Commit(ctx)
	if err == nil && st.coord != nil && st.coord.IsLeader() {
		_ = st.coord.NotifyCommit(ctx, st.cache.Epoch())
	}
	return err
}

// Rollback is rollback() (§4.4).
func (e *Engine) Rollback(h Handle) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	return st.txm.Rollback()
}

// Scoped is scoped() (§4.4).
func (e *Engine) Scoped(ctx context.Context, h Handle, mode Mode, deadline time.Duration, body func(tx *sql.Tx) error) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	return st.txm.Scoped(ctx, mode, deadline, body)
}

// IsLeader reports this tab's current leadership for h (§4.5).
func (e *Engine) IsLeader(h Handle) bool {
	st, err := e.state(h)
	if err != nil || st.coord == nil {
		return true // no coordinator configured: single-tab, always "leader"
	}
	return st.coord.IsLeader()
}

// RequestLeadership is request_leadership() (§4.5, §8 scenario 4).
func (e *Engine) RequestLeadership(ctx context.Context, h Handle) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	if st.coord == nil {
		return nil
	}
	return st.coord.RequestLeadership(ctx)
}

// Metrics returns the Tab Coordinator's opt-in counters for h, or nil
// if h has no coordinator configured.
func (e *Engine) Metrics(h Handle) *CoordMetrics {
	st, err := e.state(h)
	if err != nil || st.coord == nil {
		return nil
	}
	return st.coord.Metrics
}

// Close is close() (§4.3): flushes, releases the lease if leader, and
// removes h from the registry.
func (e *Engine) Close(ctx context.Context, h Handle) error {
	st, err := e.state(h)
	if err != nil {
		return err
	}
	if st.coord != nil {
		_ = st.coord.Shutdown(ctx)
	}
	e.mu.Lock()
	delete(e.handles, registry.ID(h))
	e.mu.Unlock()
	return e.host.Close(registry.ID(h))
}

// Teardown closes every open handle. Idempotent: a second call sees an
// empty registry and does nothing (§9 "idempotent teardown").
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]registry.ID, 0, len(e.handles))
	for id, st := range e.handles {
		if st.coord != nil {
			_ = st.coord.Shutdown(ctx)
		}
		ids = append(ids, id)
	}
	e.handles = make(map[registry.ID]*handleState)
	e.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := e.host.Close(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// isWrite classifies a statement the same coarse way sqlhost dispatches
// between Query/Exec; the Tab Coordinator only needs to know whether a
// local write would be attempted (§4.5 "an operation the coordinator
// classifies as a write").
func isWrite(query string) bool {
	rest := strings.ToUpper(strings.TrimLeft(query, " \t\n\r"))
	for _, prefix := range []string{"SELECT", "PRAGMA", "WITH", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(rest, prefix) {
			return false
		}
	}
	return true
}

// encodeResult/decodeResult are a minimal wire encoding for forwarding
// QueryResult across the Tab Coordinator's broadcast channel. Only the
// fields a follower needs after a confirmed forwarded write are kept.
func encodeResult(r QueryResult) []byte {
	buf := make([]byte, 16)
	putInt64(buf[0:8], r.RowsAffected)
	putInt64(buf[8:16], r.LastInsertID)
	return buf
}

func decodeResult(raw []byte) QueryResult {
	if len(raw) < 16 {
		return QueryResult{}
	}
	return QueryResult{
		RowsAffected: getInt64(raw[0:8]),
		LastInsertID: getInt64(raw[8:16]),
	}
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (56 - 8*i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}
