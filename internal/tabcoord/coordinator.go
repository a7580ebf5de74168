// Package tabcoord implements §4.5, the Tab Coordinator: leader
// election over a CAS lease, write forwarding from followers to the
// leader, change-epoch broadcast, and an opt-in optimistic mode.
package tabcoord

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// Role is a tab's position in the §4.5 state machine.
type Role int

const (
	Joining Role = iota
	Leader
	Follower
)

func (r Role) String() string {
	switch r {
	case Joining:
		return "joining"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Executor runs a forwarded write on the leader's connection. The
// caller wires this to sqlhost.Host.ExecuteWithParams for the target
// handle.
type Executor func(ctx context.Context, sql string, params []byte) (result []byte, err error)

// Config configures a Coordinator for one database name.
type Config struct {
	DB                   string
	HolderID             string // defaults to a fresh uuid if empty
	LeaseTTL             time.Duration
	AllowNonLeaderWrites bool
	Optimistic           bool
}

// Metrics are the opt-in counters from §4.5.
type Metrics struct {
	mu                    sync.Mutex
	WritesForwarded       uint64
	WritesConfirmed       uint64
	WritesTimedOut        uint64
	LeaderChanges         uint64
	FollowerRefreshes     uint64
}

func (m *Metrics) incr(counter *uint64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		WritesForwarded:   m.WritesForwarded,
		WritesConfirmed:   m.WritesConfirmed,
		WritesTimedOut:    m.WritesTimedOut,
		LeaderChanges:     m.LeaderChanges,
		FollowerRefreshes: m.FollowerRefreshes,
	}
}

// pendingWrite tracks a write this tab forwarded to the leader and is
// awaiting a response for.
type pendingWrite struct {
	resultCh chan Message
}

// Coordinator runs the election/forwarding state machine for one
// database name. One Coordinator per (origin, database) pair, per §4.5.
type Coordinator struct {
	cfg     Config
	backend blockstore.Backend
	channel Channel
	exec    Executor

	Metrics *Metrics

	mu            sync.Mutex
	role          Role
	leaderID      string
	lastSeenEpoch uint64
	unsubscribe   func()
	stopHeartbeat chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingWrite

	optimisticMu  sync.Mutex
	optimisticSet map[string]uint64 // correlation id -> submission epoch

	onInvalidate func(epoch uint64)
	onDiverged   func()
}

// New constructs a Coordinator. onInvalidate is called when a follower
// observes a change epoch it must invalidate its VFS cache for (§4.5
// "Followers"); onDiverged is called when optimistic mode detects
// divergence (§4.5 "Optimistic mode").
func New(cfg Config, backend blockstore.Backend, channel Channel, exec Executor, onInvalidate func(epoch uint64), onDiverged func()) *Coordinator {
	if cfg.HolderID == "" {
		cfg.HolderID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	return &Coordinator{
		cfg:           cfg,
		backend:       backend,
		channel:       channel,
		exec:          exec,
		Metrics:       &Metrics{},
		role:          Joining,
		pending:       make(map[string]*pendingWrite),
		optimisticSet: make(map[string]uint64),
		onInvalidate:  onInvalidate,
		onDiverged:    onDiverged,
	}
}

// Role reports the tab's current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsLeader reports whether this tab currently believes itself leader.
func (c *Coordinator) IsLeader() bool {
	return c.Role() == Leader
}

// Join runs the Joining → {Leader, Follower} transition (§4.5 state
// machine) and starts the follower subscription / leader heartbeat.
func (c *Coordinator) Join(ctx context.Context) error {
	unsubscribe, err := c.channel.Subscribe(ctx, c.cfg.DB, c.handleMessage)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	return c.RequestLeadership(ctx)
}

// RequestLeadership attempts to (re)acquire the lease (§4.5: a
// follower may call this when the leader's lease appears expired).
func (c *Coordinator) RequestLeadership(ctx context.Context) error {
	l, acquired, err := acquireLease(ctx, c.backend, c.cfg.DB, c.cfg.HolderID, c.cfg.LeaseTTL, time.Now())
	if err != nil {
		return err
	}

	c.mu.Lock()
	prevRole := c.role
	if acquired {
		c.role = Leader
		c.leaderID = c.cfg.HolderID
	} else {
		c.role = Follower
		c.leaderID = l.HolderID
	}
	c.mu.Unlock()

	if acquired {
		if prevRole != Leader {
			c.Metrics.incr(&c.Metrics.LeaderChanges)
			c.startHeartbeat(ctx)
			_ = c.channel.Send(ctx, Message{Kind: KindLeaderChanged, DB: c.cfg.DB, NewHolder: c.cfg.HolderID, Epoch: l.Epoch})
		}
	}
	return nil
}

func (c *Coordinator) startHeartbeat(ctx context.Context) {
	c.mu.Lock()
	if c.stopHeartbeat != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	c.mu.Unlock()

	interval := c.cfg.LeaseTTL / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, ok, err := renewLease(context.Background(), c.backend, c.cfg.DB, c.cfg.HolderID, c.cfg.LeaseTTL, time.Now())
				if err != nil {
					log.Printf("sqlvfs: tabcoord: heartbeat renew failed for %s: %v", c.cfg.DB, err)
					continue
				}
				if !ok {
					// Lease lost to another tab; step down (§4.5 "Leader" ...
					// "on failed heartbeat, transitions to Joining").
					c.mu.Lock()
					c.role = Joining
					close(c.stopHeartbeat)
					c.stopHeartbeat = nil
					c.mu.Unlock()
					return
				}
			}
		}
	}()
}

// Release relinquishes leadership explicitly (§4.5 "Leader" ... "on
// explicit release, transitions to Follower after broadcasting
// leader_changed").
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.role != Leader {
		c.mu.Unlock()
		return nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.role = Follower
	c.mu.Unlock()

	if err := releaseLease(ctx, c.backend, c.cfg.DB, c.cfg.HolderID); err != nil {
		return err
	}
	return c.channel.Send(ctx, Message{Kind: KindLeaderChanged, DB: c.cfg.DB, NewHolder: ""})
}

// Shutdown unsubscribes and stops the heartbeat goroutine, if any.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	unsubscribe := c.unsubscribe
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return c.Release(ctx)
}

// NotifyCommit must be called by the leader after every committed
// write; it broadcasts the given change epoch (already advanced by the
// caller's cache Sync) to followers
// (§4.5 "Leader" ... "serves local writes, emits change epochs").
func (c *Coordinator) NotifyCommit(ctx context.Context, epoch uint64) error {
	return c.channel.Send(ctx, Message{Kind: KindChange, DB: c.cfg.DB, Epoch: epoch})
}

// handleMessage processes an inbound broadcast message. It runs on
// whatever goroutine the Channel implementation delivers on.
func (c *Coordinator) handleMessage(msg Message) {
	switch msg.Kind {
	case KindChange:
		c.mu.Lock()
		isLeader := c.role == Leader
		advanced := msg.Epoch > c.lastSeenEpoch
		if advanced {
			c.lastSeenEpoch = msg.Epoch
		}
		c.mu.Unlock()
		if isLeader || !advanced {
			return
		}
		c.Metrics.incr(&c.Metrics.FollowerRefreshes)
		c.reconcileOptimistic(msg.Epoch)
		if c.onInvalidate != nil {
			c.onInvalidate(msg.Epoch)
		}

	case KindLeaderChanged:
		c.mu.Lock()
		if c.role != Leader {
			c.leaderID = msg.NewHolder
		}
		c.mu.Unlock()

	case KindWriteRequest:
		c.handleWriteRequest(msg)

	case KindWriteResponse:
		c.pendingMu.Lock()
		pw, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			pw.resultCh <- msg
		}

	case KindWriteCancel:
		// At-most-once from the follower's view; the leader may already
		// be mid-commit (§4.5 "Cancellation"). Best effort: drop any
		// pending local bookkeeping keyed by correlation id.
		c.pendingMu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.pendingMu.Unlock()
	}
}

func (c *Coordinator) handleWriteRequest(msg Message) {
	c.mu.Lock()
	isLeader := c.role == Leader
	c.mu.Unlock()
	if !isLeader || c.exec == nil {
		return
	}
	ctx, cancel := deadlineContext(msg.DeadlineUnix)
	defer cancel()

	result, err := c.exec(ctx, msg.SQL, msg.Params)
	resp := Message{Kind: KindWriteResponse, DB: c.cfg.DB, CorrelationID: msg.CorrelationID, OK: err == nil}
	if err != nil {
		resp.ErrorMessage = err.Error()
	} else {
		resp.Result = result
	}
	_ = c.channel.Send(context.Background(), resp)
}

func deadlineContext(deadlineUnixMillis int64) (context.Context, context.CancelFunc) {
	if deadlineUnixMillis <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), time.UnixMilli(deadlineUnixMillis))
}

// ForwardWrite sends sql/params to the leader and blocks for a
// response, per §4.5 "Write forwarding". If AllowNonLeaderWrites is
// set, the caller should execute locally instead of calling this.
func (c *Coordinator) ForwardWrite(ctx context.Context, sql string, params []byte, deadline time.Duration) ([]byte, error) {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	if role == Leader {
		return nil, errs.New(errs.HandleMisuse, "forward called while this tab is the leader")
	}

	correlationID := uuid.NewString()
	resultCh := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = &pendingWrite{resultCh: resultCh}
	c.pendingMu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	msg := Message{
		Kind:          KindWriteRequest,
		DB:            c.cfg.DB,
		CorrelationID: correlationID,
		SQL:           sql,
		Params:        params,
		DeadlineUnix:  deadlineAt.UnixMilli(),
	}
	c.Metrics.incr(&c.Metrics.WritesForwarded)
	// §4.5 "Cancellation": delivery retries once at the network level;
	// business failures (the leader rejecting the write) are not retried.
	sendOnce := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 1)
	sendErr := backoff.Retry(func() error { return c.channel.Send(ctx, msg) }, backoff.WithContext(sendOnce, ctx))
	if sendErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
		return nil, errs.Wrap(errs.BackendIO, sendErr, "send forwarded write")
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case resp := <-resultCh:
		if !resp.OK {
			return nil, errs.New(errs.BackendIO, "leader rejected forwarded write: %s", resp.ErrorMessage)
		}
		c.Metrics.incr(&c.Metrics.WritesConfirmed)
		return resp.Result, nil
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
		_ = c.channel.Send(context.Background(), Message{Kind: KindWriteCancel, DB: c.cfg.DB, CorrelationID: correlationID})
		c.Metrics.incr(&c.Metrics.WritesTimedOut)
		return nil, errs.New(errs.WriteForwardTimeout, "forwarded write timed out after %s", deadline)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
		return nil, errs.New(errs.Cancelled, "forwarded write cancelled: %v", ctx.Err())
	}
}

// ApplyOptimistic records that correlationID was speculatively applied
// locally at submissionEpoch (§4.5 "Optimistic mode"). It is a no-op
// unless Config.Optimistic is set.
func (c *Coordinator) ApplyOptimistic(correlationID string, submissionEpoch uint64) {
	if !c.cfg.Optimistic {
		return
	}
	c.optimisticMu.Lock()
	c.optimisticSet[correlationID] = submissionEpoch
	c.optimisticMu.Unlock()
}

// ConfirmOptimistic clears a speculative write once the leader
// confirms it.
func (c *Coordinator) ConfirmOptimistic(correlationID string) {
	c.optimisticMu.Lock()
	delete(c.optimisticSet, correlationID)
	c.optimisticMu.Unlock()
}

// reconcileOptimistic invalidates any optimistic write still awaiting
// confirmation whose submission epoch has been passed by a newer change
// epoch (§4.5 "On divergence"). It does not check which write produced
// that epoch.
func (c *Coordinator) reconcileOptimistic(newEpoch uint64) {
	if !c.cfg.Optimistic {
		return
	}
	c.optimisticMu.Lock()
	diverged := false
	for id, submissionEpoch := range c.optimisticSet {
		if newEpoch > submissionEpoch {
			delete(c.optimisticSet, id)
			diverged = true
		}
	}
	c.optimisticMu.Unlock()
	if diverged && c.onDiverged != nil {
		c.onDiverged()
	}
}
