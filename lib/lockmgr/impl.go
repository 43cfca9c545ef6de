package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("lockmgr")

// EvictAfterStale is the multiple of Config.StaleAfter after which the reaper
// drops a silent instance from an IInstanceEvictor feed.
const EvictAfterStale = 4

// Config holds the lock manager parameters. Both have to be set.
type Config struct {
	// StaleAfter is the time without heartbeat after which an instance is dead.
	StaleAfter time.Duration
	// ReapInterval is the period of the background reaper.
	ReapInterval time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StaleAfter <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, "lock stale threshold must be positive")
	}
	if c.ReapInterval <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, "lock reap interval must be positive")
	}
	return nil
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithClock sets the clock used for expiry, staleness and wait timeouts.
func WithClock(c util.Clock) Option {
	return func(m *LockManager) { m.clock = c }
}

// WithMetrics registers the lock metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *LockManager) { m.metrics = NewMetrics(reg) }
}

// LockManager is an in-process lock table with per-key state.
type LockManager struct {
	cfg     Config
	feed    IHeartbeatFeed
	clock   util.Clock
	metrics *Metrics
	locks   *xsync.MapOf[string, *lockEntry]

	reaperMu sync.Mutex
	reaper   util.Timer
	running  bool
}

// New creates a lock manager that asks feed whether lock owners are alive.
func New(cfg Config, feed IHeartbeatFeed, opts ...Option) (*LockManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, "lock manager needs a heartbeat feed")
	}
	m := &LockManager{
		cfg:   cfg,
		feed:  feed,
		clock: util.RealClock{},
		locks: xsync.NewMapOf[string, *lockEntry](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ILockManager)
// --------------------------------------------------------------------------

func (m *LockManager) Acquire(ctx context.Context, req kv.LockRequest) (kv.LockResult, error) {
	t, err := m.Submit(req)
	if err != nil {
		return kv.LockResult{Key: req.Key, Request: req.Option.RequestUUID, Status: kv.LockDenied, Err: err}, err
	}

	select {
	case <-t.Done():
		return t.Result(), nil
	case <-ctx.Done():
		m.withdraw(string(req.Key), req.Option.RequestUUID, kv.ErrCancelled, ReasonCancelled)
		<-t.Done()
		res := t.Result()
		if res.Status == kv.LockGranted {
			// granted while we were giving up
			return res, nil
		}
		return res, ctx.Err()
	}
}

func (m *LockManager) Release(key kv.Key, requestUUID uuid.UUID) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	e, ok := m.locks.Load(string(key))
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false, nil
	}

	if h, ok := e.holders[requestUUID]; ok {
		delete(e.holders, requestUUID)
		m.metrics.ObserveRelease(h.writer, ReasonExplicit)
		Logger.Debugf("released %s lock on %q (request %s)", modeLabel(h.writer), e.key, requestUUID)
	} else if !m.dequeue(e, requestUUID, kv.ErrCancelled, ReasonCancelled) {
		return false, nil
	}

	m.promote(e, m.clock.Now())
	m.dropIfIdle(e)
	return true, nil
}

func (m *LockManager) Heartbeat(info kv.InstanceInfo) error {
	sink, ok := m.feed.(IHeartbeatSink)
	if !ok {
		return kv.NewError(kv.ResultInvalidArgument, "heartbeat feed does not accept heartbeats")
	}
	sink.Beat(info)
	return nil
}

// --------------------------------------------------------------------------
// Lock table
// --------------------------------------------------------------------------

// Submit evaluates a lock request without waiting and returns its ticket.
//
// A request that does not conflict with the current holders and has no
// queued waiters ahead of it is granted. Conflicting holders whose expiry
// passed and whose owner stopped sending heartbeats are reclaimed first. A
// conflicting blocking request is queued by priority (higher first) and
// arrival; a non-blocking one is denied.
//
// Submitting a request uuid that already holds the lock renews its expiry;
// submitting one that is already queued returns the queued ticket.
func (m *LockManager) Submit(req kv.LockRequest) (*Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	id := req.Option.RequestUUID
	e := m.entry(string(req.Key))
	defer e.mu.Unlock()

	// idempotent retry
	if h, ok := e.holders[id]; ok {
		h.expiry = now.Add(req.Option.Duration)
		t := newTicket(req, kv.LockGranted)
		t.resolve(kv.LockResult{Status: kv.LockGranted, Expiry: h.expiry})
		return t, nil
	}
	if w, ok := e.waiters.GetByKey(id); ok {
		return w.Value.ticket, nil
	}

	reclaimed := false
	if e.conflicts(req.Option.Writer) {
		reclaimed = m.reclaim(e, now) > 0
		if reclaimed {
			// reclaimed holders may unblock earlier waiters first
			m.promote(e, now)
		}
	}

	if !e.conflicts(req.Option.Writer) && e.waiters.Len() == 0 {
		h := m.grant(e, req, now)
		t := newTicket(req, kv.LockGranted)
		t.resolve(kv.LockResult{Status: kv.LockGranted, Expiry: h.expiry, Reclaimed: reclaimed})
		m.metrics.ObserveAcquire(req.Option.Writer, kv.LockGranted)
		return t, nil
	}

	if !req.Option.Blocking {
		t := newTicket(req, kv.LockDenied)
		t.resolve(kv.LockResult{Status: kv.LockDenied, Err: kv.ErrConflict})
		m.metrics.ObserveAcquire(req.Option.Writer, kv.LockDenied)
		m.dropIfIdle(e)
		return t, nil
	}

	t := newTicket(req, kv.LockBlocked)
	w := &waiter{req: req, ticket: t, since: now}
	e.waiters.Add(id, w, req.Option.Priority)
	if req.Option.WaitTimeout > 0 {
		key := e.key
		w.timer = m.clock.AfterFunc(req.Option.WaitTimeout, func() {
			m.withdraw(key, id, kv.ErrTimeout, ReasonTimeout)
		})
	}
	m.metrics.ObserveAcquire(req.Option.Writer, kv.LockBlocked)
	m.metrics.ObserveQueued()
	Logger.Debugf("%s lock request %s on %q is waiting (priority %d, %d waiters)",
		modeLabel(req.Option.Writer), id, e.key, req.Option.Priority, e.waiters.Len())
	return t, nil
}

// Reap releases every lock whose expiry passed and whose owner is stale, and
// grants the waiters that become unblocked. Returns the number of reclaimed locks.
func (m *LockManager) Reap() int {
	now := m.clock.Now()
	total := 0
	m.locks.Range(func(_ string, e *lockEntry) bool {
		e.mu.Lock()
		if !e.dead {
			if n := m.reclaim(e, now); n > 0 {
				total += n
				m.promote(e, now)
			}
			m.dropIfIdle(e)
		}
		e.mu.Unlock()
		return true
	})
	return total
}

// Start runs Reap every ReapInterval until Stop is called.
func (m *LockManager) Start() {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.scheduleReap()
	Logger.Infof("lock reaper started (interval %s, stale after %s)", m.cfg.ReapInterval, m.cfg.StaleAfter)
}

// Stop stops the background reaper.
func (m *LockManager) Stop() {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	m.running = false
	if m.reaper != nil {
		m.reaper.Stop()
		m.reaper = nil
	}
}

// CancelWaiters denies every queued request with kv.ErrCancelled and returns
// their number. Granted locks are kept.
func (m *LockManager) CancelWaiters() int {
	total := 0
	m.locks.Range(func(_ string, e *lockEntry) bool {
		e.mu.Lock()
		if !e.dead {
			for {
				head, ok := e.waiters.Peek()
				if !ok {
					break
				}
				m.dequeue(e, head.Key, kv.ErrCancelled, ReasonCancelled)
				total++
			}
			m.dropIfIdle(e)
		}
		e.mu.Unlock()
		return true
	})
	return total
}

// Holders returns the granted locks of a key.
func (m *LockManager) Holders(key kv.Key) []kv.LockResult {
	e, ok := m.locks.Load(string(key))
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]kv.LockResult, 0, len(e.holders))
	for _, h := range e.holders {
		out = append(out, kv.LockResult{Key: key, Request: h.request, Status: kv.LockGranted, Expiry: h.expiry})
	}
	return out
}

// Waiting returns the number of queued requests for a key.
func (m *LockManager) Waiting(key kv.Key) int {
	e, ok := m.locks.Load(string(key))
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters.Len()
}

// --------------------------------------------------------------------------
// Helper Methods (all called with e.mu held unless noted)
// --------------------------------------------------------------------------

// entry returns the locked entry of a key, creating it if needed
func (m *LockManager) entry(key string) *lockEntry {
	for {
		e, _ := m.locks.LoadOrCompute(key, func() *lockEntry {
			return newLockEntry(key)
		})
		e.mu.Lock()
		if !e.dead {
			return e
		}
		// removed concurrently, a fresh entry will be created
		e.mu.Unlock()
	}
}

func (m *LockManager) dropIfIdle(e *lockEntry) {
	if !e.idle() {
		return
	}
	e.dead = true
	m.locks.Compute(e.key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		return old, loaded && old == e
	})
}

func (m *LockManager) grant(e *lockEntry, req kv.LockRequest, now time.Time) *holder {
	h := &holder{
		request: req.Option.RequestUUID,
		owner:   req.Owner,
		writer:  req.Option.Writer,
		expiry:  now.Add(req.Option.Duration),
	}
	e.holders[h.request] = h
	m.metrics.ObserveGrant(h.writer)
	Logger.Debugf("granted %s lock on %q to %s (owner %s, expires %s)",
		modeLabel(h.writer), e.key, h.request, h.owner, h.expiry.Format(time.RFC3339Nano))
	return h
}

// stale reports whether the owner of h is dead and its lock expired
func (m *LockManager) stale(h *holder, now time.Time) bool {
	if !now.After(h.expiry) {
		return false
	}
	last, ok := m.feed.LastSeen(h.owner)
	return !ok || now.Sub(last) > m.cfg.StaleAfter
}

// reclaim releases all stale holders of an entry
func (m *LockManager) reclaim(e *lockEntry, now time.Time) int {
	n := 0
	for id, h := range e.holders {
		if !m.stale(h, now) {
			continue
		}
		delete(e.holders, id)
		n++
		m.metrics.ObserveRelease(h.writer, ReasonReclaimed)
		Logger.Infof("%s: reclaimed %s lock on %q from instance %s (expired %s ago)",
			kv.ErrStaleOwner, modeLabel(h.writer), e.key, h.owner, now.Sub(h.expiry))
	}
	return n
}

// promote grants queued waiters in order until the head of the queue conflicts
func (m *LockManager) promote(e *lockEntry, now time.Time) {
	for {
		head, ok := e.waiters.Peek()
		if !ok || e.conflicts(head.Value.req.Option.Writer) {
			return
		}
		e.waiters.PopItem()
		w := head.Value
		if w.timer != nil {
			w.timer.Stop()
		}
		h := m.grant(e, w.req, now)
		m.metrics.ObserveDequeued(now.Sub(w.since), true, "")
		w.ticket.resolve(kv.LockResult{Status: kv.LockGranted, Expiry: h.expiry})
	}
}

// dequeue removes a waiter and resolves it as denied
func (m *LockManager) dequeue(e *lockEntry, id uuid.UUID, reason error, label string) bool {
	item, ok := e.waiters.RemoveByKey(id)
	if !ok {
		return false
	}
	w := item.Value
	if w.timer != nil {
		w.timer.Stop()
	}
	m.metrics.ObserveDequeued(0, false, label)
	w.ticket.resolve(kv.LockResult{Status: kv.LockDenied, Err: reason})
	Logger.Debugf("lock request %s on %q withdrawn: %v", id, e.key, reason)
	return true
}

// withdraw removes a waiting request of key, called without e.mu held
func (m *LockManager) withdraw(key string, id uuid.UUID, reason error, label string) {
	e, ok := m.locks.Load(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !m.dequeue(e, id, reason, label) {
		return
	}
	// a writer at the head may have held back readers behind it
	m.promote(e, m.clock.Now())
	m.dropIfIdle(e)
}

func (m *LockManager) scheduleReap() {
	m.reaper = m.clock.AfterFunc(m.cfg.ReapInterval, func() {
		if n := m.Reap(); n > 0 {
			Logger.Infof("reaper reclaimed %d stale locks", n)
		}
		if n := m.evictSilent(); n > 0 {
			Logger.Infof("reaper evicted %d silent instances", n)
		}
		m.reaperMu.Lock()
		defer m.reaperMu.Unlock()
		if m.running {
			m.scheduleReap()
		}
	})
}

// evictSilent drops instances that stopped beating long ago from the feed
func (m *LockManager) evictSilent() int {
	evictor, ok := m.feed.(IInstanceEvictor)
	if !ok {
		return 0
	}
	return evictor.Evict(EvictAfterStale * m.cfg.StaleAfter)
}

// String returns a short description of the lock manager.
func (m *LockManager) String() string {
	return fmt.Sprintf("LockManager{locks: %d, staleAfter: %s, reapInterval: %s}", m.locks.Size(), m.cfg.StaleAfter, m.cfg.ReapInterval)
}
