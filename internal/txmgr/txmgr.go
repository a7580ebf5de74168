// Package txmgr implements §4.4, the Transaction Manager: it
// serializes write transactions on a single handle and enforces the
// single-writer invariant locally (the Tab Coordinator, §4.5, enforces
// it globally across tabs).
package txmgr

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// Mode is the SQLite BEGIN mode requested by begin() (§4.4).
type Mode string

const (
	ModeDeferred  Mode = "deferred"
	ModeImmediate Mode = "immediate"
	ModeExclusive Mode = "exclusive"
)

// State is a handle's position in the §4.4 state machine.
type State int

const (
	Idle State = iota
	InWrite
	Committing
	RollingBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InWrite:
		return "in_write"
	case Committing:
		return "committing"
	case RollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// Execer is the subset of *sql.DB a Manager needs to start a
// transaction. Satisfied by *sql.DB; narrowed here so tests can stub it.
type Execer interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Manager owns one handle's write slot and transaction nesting depth.
// Safe for concurrent use; begin() blocks callers until the slot frees
// or the deadline passes.
type Manager struct {
	db Execer

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	depth int  // nesting depth for scoped(); 0 means no transaction open
	tx    *sql.Tx
	mustRollback bool
	dirty bool // DIRTY_HANDLE, per §7 "Fatal conditions"

	onCommit func(ctx context.Context) error // e.g. pagecache.Cache.Sync
}

// New constructs a Manager. onCommit is invoked as the final step of
// commit() (after the SQL engine's own commit), typically wired to the
// owning connection's pagecache.Cache.Sync to serialize dirty pages
// through the VFS per §4.4 commit()'s description.
func New(db Execer, onCommit func(ctx context.Context) error) *Manager {
	m := &Manager{db: db, onCommit: onCommit}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// State reports the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dirty reports whether the handle has been marked DIRTY_HANDLE.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Begin enters InWrite, or blocks up to deadline if another writer
// holds the slot (§4.4 begin()). Nested Begin calls (depth > 0) reuse
// the already-open transaction and simply increment depth.
func (m *Manager) Begin(ctx context.Context, mode Mode, deadline time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirty {
		return errs.New(errs.NotOpen, "handle is dirty, must be closed")
	}
	if m.depth > 0 {
		m.depth++
		return nil
	}

	deadlineAt := time.Now().Add(deadline)
	for m.state != Idle {
		remaining := time.Until(deadlineAt)
		if deadline <= 0 || remaining <= 0 {
			return errs.New(errs.WriteBusy, "write slot occupied")
		}
		if !m.waitWithTimeout(remaining) {
			return errs.New(errs.WriteBusy, "write slot occupied past deadline")
		}
	}

	opts := &sql.TxOptions{}
	switch mode {
	case ModeExclusive, ModeImmediate:
		opts.ReadOnly = false
	}
	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "begin transaction")
	}

	m.tx = tx
	m.state = InWrite
	m.depth = 1
	m.mustRollback = false
	return nil
}

// waitWithTimeout waits on the condition variable for at most d,
// returning false if it timed out. sync.Cond has no native timeout, so
// a one-shot timer broadcasts on the condition variable once d elapses,
// taking the same lock the waiters hold.
func (m *Manager) waitWithTimeout(d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		m.mu.Lock()
		close(done)
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	for m.state != Idle {
		select {
		case <-done:
			return false
		default:
		}
		m.cond.Wait()
	}
	return true
}

// Tx returns the currently open *sql.Tx, or an error if none is open.
func (m *Manager) Tx() (*sql.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != InWrite || m.tx == nil {
		return nil, errs.New(errs.HandleMisuse, "no transaction is open")
	}
	return m.tx, nil
}

// Commit serializes pending writes and releases the slot (§4.4
// commit()). At nesting depth > 1, Commit only decrements depth; the
// outer Commit performs the real work. If any nested scope marked the
// transaction must-rollback, the outer commit becomes a rollback and
// returns a ConstraintViolation error to the outermost caller.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	if m.state != InWrite {
		m.mu.Unlock()
		return errs.New(errs.HandleMisuse, "commit called outside a transaction")
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return nil
	}
	mustRollback := m.mustRollback
	tx := m.tx
	m.state = Committing
	m.mu.Unlock()

	if mustRollback {
		_ = tx.Rollback()
		m.finishLocked(Idle)
		return errs.New(errs.ConstraintViolation, "nested scope requested rollback")
	}

	if err := tx.Commit(); err != nil {
		m.finishLocked(Idle)
		return errs.Wrap(errs.BackendIO, err, "commit transaction")
	}

	if m.onCommit != nil {
		if err := m.onCommit(ctx); err != nil {
			// §4.4 "Failure semantics": commit failure is fatal to the
			// transaction, not the handle, unless the flush itself is
			// unrecoverable, in which case the handle is marked dirty.
			m.mu.Lock()
			m.dirty = true
			m.mu.Unlock()
			m.finishLocked(Idle)
			return errs.Wrap(errs.BackendIO, err, "flush committed pages")
		}
	}

	m.finishLocked(Idle)
	return nil
}

// Rollback discards dirty pages and releases the slot (§4.4 rollback()).
// At nesting depth > 1 it marks the transaction must-rollback and
// returns without touching the underlying *sql.Tx; the outermost
// Commit converts to a rollback.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	if m.state != InWrite {
		m.mu.Unlock()
		return errs.New(errs.HandleMisuse, "rollback called outside a transaction")
	}
	if m.depth > 1 {
		m.mustRollback = true
		m.depth--
		m.mu.Unlock()
		return nil
	}
	tx := m.tx
	m.state = RollingBack
	m.mu.Unlock()

	err := tx.Rollback()
	m.finishLocked(Idle)
	if err != nil {
		// §4.4: "Rollback failures are downgraded to warnings; the
		// handle is marked DIRTY_HANDLE and must be closed."
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) finishLocked(next State) {
	m.mu.Lock()
	m.state = next
	m.depth = 0
	m.tx = nil
	m.mustRollback = false
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Scoped runs body inside Begin/Commit, rolling back and re-surfacing
// body's error on any failure (§4.4 scoped()).
func (m *Manager) Scoped(ctx context.Context, mode Mode, deadline time.Duration, body func(tx *sql.Tx) error) error {
	if err := m.Begin(ctx, mode, deadline); err != nil {
		return err
	}
	tx, err := m.Tx()
	if err != nil {
		_ = m.Rollback()
		return err
	}
	if err := body(tx); err != nil {
		_ = m.Rollback()
		return err
	}
	return m.Commit(ctx)
}
