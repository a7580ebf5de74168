package tabcoord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sqlvfs/sqlvfs/internal/blockstore"
	"github.com/sqlvfs/sqlvfs/internal/errs"
)

const leaseKeyPrefix = "__lease__:"

// lease is the record stored behind the CAS key for a database's
// leadership (§4.5 "Election model").
type lease struct {
	HolderID  string `json:"holder_id"`
	ExpiresAt int64  `json:"expires_at"` // unix millis
	Epoch     uint64 `json:"epoch"`
}

// acquireLease implements §4.5's compare-and-swap election: read the
// current lease; if absent or expired, write a new one conditionally.
// Ties (two tabs racing the same absent/expired lease) are settled by the
// conditional write alone: whichever write lands first wins and the other
// tab yields as a follower. Holder ids are not compared.
func acquireLease(ctx context.Context, backend blockstore.Backend, db, holderID string, ttl time.Duration, now time.Time) (lease, bool, error) {
	key := leaseKeyPrefix + db
	raw, version, err := backend.GetValue(ctx, db, key)
	if err != nil {
		return lease{}, false, errs.Wrap(errs.BackendIO, err, "read lease for %s", db)
	}

	var current lease
	haveCurrent := len(raw) > 0
	if haveCurrent {
		if err := json.Unmarshal(raw, &current); err != nil {
			return lease{}, false, errs.Wrap(errs.CorruptPayload, err, "decode lease for %s", db)
		}
	}

	nowMs := now.UnixMilli()
	if haveCurrent && current.ExpiresAt > nowMs && current.HolderID != holderID {
		// Someone else holds a live lease.
		return current, false, nil
	}
	if haveCurrent && current.ExpiresAt > nowMs && current.HolderID == holderID {
		// We already hold it (re-entrant probe).
		return current, true, nil
	}

	next := lease{
		HolderID:  holderID,
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Epoch:     current.Epoch + 1,
	}
	buf, err := json.Marshal(next)
	if err != nil {
		return lease{}, false, errs.Wrap(errs.BackendIO, err, "encode lease for %s", db)
	}
	if _, err := backend.ConditionalPut(ctx, db, key, version, buf); err != nil {
		// Lost the race to another tab's CAS; the loser becomes a
		// follower.
		return lease{}, false, nil
	}
	return next, true, nil
}

// renewLease extends an already-held lease by ttl from now. It fails
// (without panicking) if another holder has since taken the lease —
// the heartbeat caller then steps down to Joining.
func renewLease(ctx context.Context, backend blockstore.Backend, db, holderID string, ttl time.Duration, now time.Time) (lease, bool, error) {
	key := leaseKeyPrefix + db
	raw, version, err := backend.GetValue(ctx, db, key)
	if err != nil {
		return lease{}, false, errs.Wrap(errs.BackendIO, err, "read lease for %s", db)
	}
	var current lease
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return lease{}, false, errs.Wrap(errs.CorruptPayload, err, "decode lease for %s", db)
		}
	}
	if current.HolderID != holderID {
		return current, false, nil
	}
	next := lease{HolderID: holderID, ExpiresAt: now.Add(ttl).UnixMilli(), Epoch: current.Epoch}
	buf, err := json.Marshal(next)
	if err != nil {
		return lease{}, false, errs.Wrap(errs.BackendIO, err, "encode lease for %s", db)
	}
	if _, err := backend.ConditionalPut(ctx, db, key, version, buf); err != nil {
		return lease{}, false, nil
	}
	return next, true, nil
}

// releaseLease clears the lease if holderID currently holds it.
func releaseLease(ctx context.Context, backend blockstore.Backend, db, holderID string) error {
	key := leaseKeyPrefix + db
	raw, version, err := backend.GetValue(ctx, db, key)
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "read lease for %s", db)
	}
	if len(raw) == 0 {
		return nil
	}
	var current lease
	if err := json.Unmarshal(raw, &current); err != nil {
		return errs.Wrap(errs.CorruptPayload, err, "decode lease for %s", db)
	}
	if current.HolderID != holderID {
		return nil
	}
	empty, _ := json.Marshal(lease{Epoch: current.Epoch})
	_, err = backend.ConditionalPut(ctx, db, key, version, empty)
	return err
}
