package lockmgr

import (
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// heartbeatEntry is the last heartbeat of an instance
type heartbeatEntry struct {
	info kv.InstanceInfo
	seen time.Time
}

// HeartbeatTable records instance heartbeats. It implements IHeartbeatFeed
// and IHeartbeatSink.
type HeartbeatTable struct {
	clock util.Clock
	seen  *xsync.MapOf[uuid.UUID, heartbeatEntry]
}

// NewHeartbeatTable creates an empty table.
func NewHeartbeatTable(clock util.Clock) *HeartbeatTable {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &HeartbeatTable{
		clock: clock,
		seen:  xsync.NewMapOf[uuid.UUID, heartbeatEntry](),
	}
}

// Beat records a heartbeat of info.UUID at the current time.
func (h *HeartbeatTable) Beat(info kv.InstanceInfo) {
	h.seen.Store(info.UUID, heartbeatEntry{info: info, seen: h.clock.Now()})
}

// LastSeen returns the time of the last heartbeat of an instance.
func (h *HeartbeatTable) LastSeen(instance uuid.UUID) (time.Time, bool) {
	e, ok := h.seen.Load(instance)
	return e.seen, ok
}

// Evict forgets every instance without heartbeat for longer than silentFor
// and returns their number. An instance that beats again is added back.
func (h *HeartbeatTable) Evict(silentFor time.Duration) int {
	now := h.clock.Now()
	n := 0
	h.seen.Range(func(id uuid.UUID, _ heartbeatEntry) bool {
		// a heartbeat may arrive between Range and Compute
		h.seen.Compute(id, func(e heartbeatEntry, loaded bool) (heartbeatEntry, bool) {
			if loaded && now.Sub(e.seen) > silentFor {
				n++
				return e, true
			}
			return e, !loaded
		})
		return true
	})
	return n
}
