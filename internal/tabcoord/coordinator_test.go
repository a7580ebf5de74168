package tabcoord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/blockstore/memory"
)

func newCoordPair(t *testing.T, backend blockstore.Backend, hub *memHub, db string, exec Executor) (*Coordinator, *Coordinator) {
	t.Helper()
	cfgA := Config{DB: db, HolderID: "tab-a", LeaseTTL: 150 * time.Millisecond}
	cfgB := Config{DB: db, HolderID: "tab-b", LeaseTTL: 150 * time.Millisecond}

	a := New(cfgA, backend, NewChannel(hub), exec, nil, nil)
	b := New(cfgB, backend, NewChannel(hub), exec, nil, nil)
	return a, b
}

func TestExactlyOneLeaderElected(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	hub := NewMemHub()
	a, b := newCoordPair(t, backend, hub, "shared.db", nil)

	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))

	leaders := 0
	if a.IsLeader() {
		leaders++
	}
	if b.IsLeader() {
		leaders++
	}
	require.Equal(t, 1, leaders)
}

func TestFollowerReceivesChangeAndInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	hub := NewMemHub()

	var invalidated uint64
	cfgA := Config{DB: "t.db", HolderID: "a", LeaseTTL: time.Second}
	cfgB := Config{DB: "t.db", HolderID: "b", LeaseTTL: time.Second}
	a := New(cfgA, backend, NewChannel(hub), nil, nil, nil)
	b := New(cfgB, backend, NewChannel(hub), nil, func(epoch uint64) { invalidated = epoch }, nil)

	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	require.NoError(t, a.NotifyCommit(ctx, 7))
	require.Eventually(t, func() bool { return invalidated == 7 }, time.Second, 5*time.Millisecond)
}

func TestForwardedWriteExecutedByLeader(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	hub := NewMemHub()

	var executedSQL string
	exec := Executor(func(ctx context.Context, sql string, params []byte) ([]byte, error) {
		executedSQL = sql
		return []byte("ok"), nil
	})

	a, b := newCoordPair(t, backend, hub, "w.db", exec)
	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))

	var leader, follower *Coordinator
	if a.IsLeader() {
		leader, follower = a, b
	} else {
		leader, follower = b, a
	}
	_ = leader

	result, err := follower.ForwardWrite(ctx, "INSERT INTO items VALUES (1)", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), result)
	require.Equal(t, "INSERT INTO items VALUES (1)", executedSQL)
}

func TestForwardedWriteTimesOutWithNoLeaderResponse(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	hub := NewMemHub()

	// exec is nil, so the "leader" never replies: simulates a
	// leader that never acknowledges before the deadline.
	a, b := newCoordPair(t, backend, hub, "slow.db", nil)
	require.NoError(t, a.Join(ctx))
	require.NoError(t, b.Join(ctx))

	var follower *Coordinator
	if a.IsLeader() {
		follower = b
	} else {
		follower = a
	}

	_, err := follower.ForwardWrite(ctx, "INSERT INTO items VALUES (2)", nil, 30*time.Millisecond)
	require.Error(t, err)
}
