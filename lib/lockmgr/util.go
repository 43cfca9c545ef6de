package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Ticket
// --------------------------------------------------------------------------

// Ticket tracks a lock request. Granted and denied requests come back with a
// resolved ticket; a blocked request resolves once it is granted, times out
// or is withdrawn.
type Ticket struct {
	Key     kv.Key
	Request uuid.UUID

	initial kv.LockStatus
	once    sync.Once
	done    chan struct{}
	result  kv.LockResult
}

func newTicket(req kv.LockRequest, status kv.LockStatus) *Ticket {
	return &Ticket{
		Key:     req.Key,
		Request: req.Option.RequestUUID,
		initial: status,
		done:    make(chan struct{}),
	}
}

// Status returns the status at submission: Granted, Denied or Blocked.
func (t *Ticket) Status() kv.LockStatus {
	return t.initial
}

// Done is closed once the request is resolved.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. While the request is waiting the status is Blocked.
func (t *Ticket) Result() kv.LockResult {
	select {
	case <-t.done:
		return t.result
	default:
		return kv.LockResult{Key: t.Key, Request: t.Request, Status: kv.LockBlocked}
	}
}

// Wait blocks until the ticket is resolved or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (kv.LockResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

// resolve sets the outcome, only the first call has an effect
func (t *Ticket) resolve(r kv.LockResult) {
	t.once.Do(func() {
		r.Key = t.Key
		r.Request = t.Request
		t.result = r
		close(t.done)
	})
}

// --------------------------------------------------------------------------
// Lock table entries
// --------------------------------------------------------------------------

// holder is a granted lock
type holder struct {
	request uuid.UUID
	owner   uuid.UUID
	writer  bool
	expiry  time.Time
}

// waiter is a blocked lock request
type waiter struct {
	req    kv.LockRequest
	ticket *Ticket
	since  time.Time
	timer  util.Timer
}

// lockEntry is the state of one key. All fields are guarded by mu. A dead
// entry was removed from the lock table and must not be used any more.
type lockEntry struct {
	mu      sync.Mutex
	key     string
	holders map[uuid.UUID]*holder
	waiters *util.MapHeap[uuid.UUID, *waiter]
	dead    bool
}

func newLockEntry(key string) *lockEntry {
	return &lockEntry{
		key:     key,
		holders: make(map[uuid.UUID]*holder),
		waiters: util.NewMapHeap[uuid.UUID, *waiter](),
	}
}

// conflicts reports whether a new request of the given mode conflicts with the holders
func (e *lockEntry) conflicts(writer bool) bool {
	if writer {
		return len(e.holders) > 0
	}
	for _, h := range e.holders {
		if h.writer {
			return true
		}
	}
	return false
}

func (e *lockEntry) idle() bool {
	return len(e.holders) == 0 && e.waiters.Len() == 0
}
