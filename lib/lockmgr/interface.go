package lockmgr

import (
	"context"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/google/uuid"
)

// ILockManager defines the interface for a lock manager, local or remote.
type ILockManager interface {
	// Acquire requests a lock and waits for the outcome.
	// A non-blocking request resolves at once (Granted or Denied). A blocking
	// request waits until it is granted, its wait timeout runs out (Denied with
	// kv.ErrTimeout in the result) or ctx is cancelled.
	// The returned error is only set for invalid requests, transport errors
	// and cancellation; a denied lock is reported through the result.
	Acquire(ctx context.Context, req kv.LockRequest) (kv.LockResult, error)

	// Release releases a held lock or withdraws a waiting request.
	// Return a boolean indicating whether anything was released. Releasing an
	// unknown request is not an error.
	Release(key kv.Key, requestUUID uuid.UUID) (bool, error)

	// Heartbeat reports that an instance is alive.
	Heartbeat(info kv.InstanceInfo) error
}

// IHeartbeatFeed reports when an instance was last seen alive.
type IHeartbeatFeed interface {
	LastSeen(instance uuid.UUID) (time.Time, bool)
}

// IHeartbeatSink accepts heartbeats. A feed that also implements it receives
// the heartbeats passed to ILockManager.Heartbeat.
type IHeartbeatSink interface {
	Beat(info kv.InstanceInfo)
}

// IInstanceEvictor is implemented by heartbeat feeds that can drop silent
// instances. The reaper evicts instances silent for EvictAfterStale times the
// stale threshold; their locks stay reclaimable since unknown owners are stale.
type IInstanceEvictor interface {
	Evict(silentFor time.Duration) int
}
