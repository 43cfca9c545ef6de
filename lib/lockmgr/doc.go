// Package lockmgr implements the cooperative read/write lock manager used by
// nKV instances to coordinate access to shared keys.
//
// Core Functionality:
//   - Exactly one writer or any number of readers per key
//   - Time bounded ownership: a grant expires at now + duration
//   - Blocking requests wait in a per-key queue ordered by priority (higher
//     first), then arrival, with an optional wait timeout
//   - Idempotent retries: the request uuid identifies a grant, acquiring again
//     renews the expiry instead of creating a second grant
//   - Reclaiming locks of crashed instances through a heartbeat feed
//
// Lock Table:
//
//	Every key has its own entry with its own mutex, so requests for unrelated
//	keys never contend. Entries are created on demand and removed once they
//	have neither holders nor waiters; a removed entry is marked dead and
//	callers that raced with the removal simply retry.
//
// Waiter Promotion:
//
//	Whenever a lock is released, reclaimed or a waiter gives up, the queue is
//	promoted strictly in order: the head is granted if it does not conflict
//	with the remaining holders, which admits a single writer or a run of
//	consecutive readers. A request never overtakes queued waiters.
//
// Reaping:
//
//	A holder is stale once its expiry has passed AND its owning instance has
//	not sent a heartbeat for StaleAfter (an instance without any heartbeat is
//	stale). Reap runs every ReapInterval and releases stale holders; an
//	acquire that conflicts with stale holders reclaims them inline and reports
//	Reclaimed in its result. Live owners keep their locks past the expiry,
//	their heartbeat renews them.
//
// Usage Example:
//
//	hb := lockmgr.NewHeartbeatTable(nil)
//	mgr, err := lockmgr.New(lockmgr.Config{StaleAfter: 30 * time.Second, ReapInterval: 5 * time.Second}, hb)
//	if err != nil {
//	    // Handle error
//	}
//	mgr.Start()
//	defer mgr.Stop()
//
//	hb.Beat(self)
//	res, err := mgr.Acquire(ctx, kv.LockRequest{
//	    Key:   kv.Key("resource:123"),
//	    Owner: self.UUID,
//	    Option: kv.LockOption{Writer: true, Blocking: true, Duration: time.Minute, RequestUUID: uuid.New()},
//	})
//	if err == nil && res.Status == kv.LockGranted {
//	    // Use the resource safely
//	    mgr.Release(res.Key, res.Request)
//	}
//
// The package also defines ILockManager, which rpc/client implements to reach
// a lock manager running inside a target server.
package lockmgr
