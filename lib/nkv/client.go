package nkv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/codec"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/lockmgr"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/lib/selector"
	"github.com/ValentinKolb/nKV/lib/stats"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/ValentinKolb/nKV/rpc/client"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("nkv")

// ErrClosed is returned by every call on a closed client.
var ErrClosed = errors.New("client is closed")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	issuer aio.IPathIssuer
	locks  lockmgr.ILockManager
	clock  util.Clock
}

// Option configures a Client.
type Option func(*options)

// WithIssuer replaces the rpc path issuer. Path probing is disabled for a
// custom issuer.
func WithIssuer(issuer aio.IPathIssuer) Option {
	return func(o *options) { o.issuer = issuer }
}

// WithLockManager replaces the lock manager built from the lock configuration.
func WithLockManager(locks lockmgr.ILockManager) Option {
	return func(o *options) { o.locks = locks }
}

// WithClock sets the clock of the selector, dispatcher and local lock manager.
func WithClock(c util.Clock) Option {
	return func(o *options) { o.clock = c }
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// counters are the stat counters a client maintains
type counters struct {
	submitted      *stats.Counter
	rejected       *stats.Counter
	completed      *stats.Counter
	failed         *stats.Counter
	bytes          *stats.Counter
	lockGranted    *stats.Counter
	lockDenied     *stats.Counter
	heartbeats     *stats.Counter
	heartbeatFails *stats.Counter
	pathsDown      *stats.Counter
}

func newCounters(r *stats.Registry) counters {
	return counters{
		submitted:      r.MustCounter("ops.submitted", stats.StatUint64),
		rejected:       r.MustCounter("ops.rejected", stats.StatUint64),
		completed:      r.MustCounter("ops.completed", stats.StatUint64),
		failed:         r.MustCounter("ops.failed", stats.StatUint64),
		bytes:          r.MustCounter("ops.bytes", stats.StatSize),
		lockGranted:    r.MustCounter("locks.granted", stats.StatUint64),
		lockDenied:     r.MustCounter("locks.denied", stats.StatUint64),
		heartbeats:     r.MustCounter("heartbeat.sent", stats.StatUint32),
		heartbeatFails: r.MustCounter("heartbeat.failed", stats.StatUint32),
		pathsDown:      r.MustCounter("paths.down", stats.StatInt16),
	}
}

// Client is an nKV client instance. It owns the container registry, the path
// selector, the dispatcher with its completion engine and the lock manager.
// Several clients can live in one process; they share nothing.
type Client struct {
	cfg   Config
	clock util.Clock

	reg        *registry.Registry
	sel        *selector.Selector
	dispatcher *aio.Dispatcher
	paths      *client.PathIssuer // nil for a custom issuer
	codec      *codec.Codec
	locks      lockmgr.ILockManager
	localLocks *lockmgr.LockManager // nil unless the lock manager runs in process
	lockConn   io.Closer            // connection of the remote lock manager
	stats      *stats.Registry
	counters   counters

	instance kv.InstanceInfo
	lastHB   atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates a client from cfg, registers the configured containers, starts
// the dispatcher and sends the first heartbeat.
func Open(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: util.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:   cfg,
		clock: o.clock,
		reg:   registry.New(),
		stats: stats.NewRegistry(),
		instance: kv.InstanceInfo{
			Host:    cfg.Host,
			Port:    cfg.Port,
			UUID:    uuid.New(),
			Created: o.clock.Now(),
		},
	}
	c.counters = newCounters(c.stats)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, ct := range cfg.Containers {
		if _, err := c.reg.RegisterContainer(ct); err != nil {
			return nil, err
		}
	}
	c.reg.OnStatusChange(c.onStatusChange)
	c.countDownPaths()

	c.sel = selector.New(c.reg, cfg.Features, cfg.FailoverDwell).WithClock(o.clock)

	var err error
	if c.codec, err = codec.NewFromHexKey(cfg.EncryptionKey); err != nil {
		return nil, err
	}

	issuer := o.issuer
	if issuer == nil {
		ser, err := serializer.New(cfg.Serializer)
		if err != nil {
			c.codec.Close()
			return nil, kv.NewError(kv.ResultInvalidArgument, err.Error())
		}
		if c.paths, err = client.NewPathIssuer(cfg.Transport, cfg.Network, ser, c.codec, c.reg); err != nil {
			c.codec.Close()
			return nil, err
		}
		issuer = c.paths
	}

	var resolver aio.IKeySpaceResolver
	if len(cfg.KeySpaces) > 0 {
		resolver = keySpaceTable(cfg.KeySpaces)
	}
	c.dispatcher, err = aio.NewDispatcher(cfg.Dispatch, aio.Deps{
		Registry: c.reg,
		Selector: c.sel,
		Issuer:   issuer,
		Resolver: resolver,
		Clock:    o.clock,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		c.release()
		return nil, err
	}

	if c.locks = o.locks; c.locks == nil {
		if c.locks, err = c.openLockManager(); err != nil {
			c.release()
			return nil, err
		}
	}

	if cfg.Metrics != nil {
		if err := cfg.Metrics.Register(c.stats); err != nil {
			Logger.Warningf("failed to register stat counters: %v", err)
		}
	}

	c.dispatcher.Start()
	if c.localLocks != nil {
		c.localLocks.Start()
	}

	// the first heartbeat makes the instance known before it takes any lock
	c.heartbeat()

	c.wg.Add(1)
	go c.heartbeatLoop()
	if c.paths != nil && cfg.RecheckInterval > 0 {
		c.wg.Add(1)
		go c.recheckLoop()
	}

	Logger.Infof("client %s opened with %d container(s)", c.instance.UUID, len(cfg.Containers))
	return c, nil
}

// Close stops the heartbeat and recheck loops, shuts down the dispatcher (pending
// requests complete with Cancelled, in-flight ones with TransportFailure) and
// releases all connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		c.dispatcher.Close()
		c.release()
		Logger.Infof("client %s closed", c.instance.UUID)
	})
	return nil
}

// --------------------------------------------------------------------------
// Data path
// --------------------------------------------------------------------------

// Submit enqueues op for the container selected by ctx. See aio.Dispatcher.Submit.
func (c *Client) Submit(op *kv.Operation, ctx kv.IOContext) (aio.Handle, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	h, err := c.dispatcher.Submit(op, ctx)
	if err != nil {
		c.counters.rejected.Inc()
		return 0, err
	}
	c.counters.submitted.Inc()
	return h, nil
}

// RegisterCompletionCallback sets the callback receiving completed operations.
// It has to be registered before the first Submit.
func (c *Client) RegisterCompletionCallback(fn aio.CompletionCallback, tag1, tag2 any) error {
	if fn == nil {
		return kv.NewError(kv.ResultInvalidArgument, "completion callback is nil")
	}
	return c.dispatcher.Completions().RegisterCallback(func(batch aio.CompletionBatch) {
		for _, op := range batch.Ops {
			c.countCompletion(op)
		}
		fn(batch)
	}, tag1, tag2)
}

// Cancel cancels a request that has not been issued yet.
func (c *Client) Cancel(h aio.Handle) bool {
	return c.dispatcher.Cancel(h)
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// AcquireLock requests a lock owned by this instance. A zero request uuid is
// replaced by a fresh one; the result carries the uuid needed to release it.
func (c *Client) AcquireLock(ctx context.Context, key kv.Key, opt kv.LockOption) (kv.LockResult, error) {
	if c.closed.Load() {
		return kv.LockResult{}, ErrClosed
	}
	req, err := c.lockRequest(key, opt)
	if err != nil {
		return kv.LockResult{Key: key, Status: kv.LockDenied, Err: err}, err
	}
	return c.acquire(ctx, req)
}

// AcquireLockAsync is AcquireLock reporting through fn. Invalid requests are
// rejected synchronously and fn is not called. Close cancels outstanding waits.
func (c *Client) AcquireLockAsync(key kv.Key, opt kv.LockOption, fn func(kv.LockResult, error)) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if fn == nil {
		return kv.NewError(kv.ResultInvalidArgument, "lock callback is nil")
	}
	req, err := c.lockRequest(key, opt)
	if err != nil {
		return err
	}
	go func() {
		fn(c.acquire(c.ctx, req))
	}()
	return nil
}

// ReleaseLock releases a held lock or withdraws a waiting request.
func (c *Client) ReleaseLock(key kv.Key, requestUUID uuid.UUID) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	return c.locks.Release(key, requestUUID)
}

// --------------------------------------------------------------------------
// Management
// --------------------------------------------------------------------------

// ListContainers returns the registered containers. A pass-through context
// narrows the list to one container, and to one path if PathHash is set.
func (c *Client) ListContainers(ctx kv.MgmtContext) ([]kv.Container, error) {
	if !ctx.PassThrough {
		return c.reg.Containers(), nil
	}
	ct, ok := c.reg.Container(ctx.ContainerHash)
	if !ok {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown container %d", ctx.ContainerHash))
	}
	if ctx.PathHash != 0 {
		var paths []kv.ContainerTransport
		for _, t := range ct.Transports {
			if t.PathHash == ctx.PathHash {
				paths = append(paths, t)
			}
		}
		if len(paths) == 0 {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("path %d is not a path of container %d", ctx.PathHash, ctx.ContainerHash))
		}
		ct.Transports = paths
	}
	return []kv.Container{ct}, nil
}

// ContainerInfo asks the target of the selected path for the current state of
// the container, including its free space.
func (c *Client) ContainerInfo(ctx kv.MgmtContext) (kv.Container, error) {
	if c.paths == nil {
		return kv.Container{}, kv.NewError(kv.ResultInvalidArgument, "container info needs the rpc issuer")
	}
	path, err := c.mgmtPath(ctx)
	if err != nil {
		return kv.Container{}, err
	}
	return c.paths.ContainerInfo(path)
}

// GetPathStats reports capacity and usage of the filesystem behind mountPoint.
func (c *Client) GetPathStats(mountPoint string) (kv.PathStat, error) {
	return stats.PathStat(mountPoint)
}

// SetPathStatus marks the path named by ctx up or down. Taking a path down
// fails the requests in flight on it.
func (c *Client) SetPathStatus(ctx kv.MgmtContext, status kv.PathStatus) error {
	path, err := c.mgmtPath(ctx)
	if err != nil {
		return err
	}
	return c.reg.UpdateStatus(path.Hash(), status)
}

// Stats returns a snapshot of the stat counters.
func (c *Client) Stats() []stats.Sample {
	return c.stats.Snapshot()
}

// Instance returns the identity of this client instance.
func (c *Client) Instance() kv.InstanceInfo {
	info := c.instance
	info.LastHBDuration = time.Duration(c.lastHB.Load())
	return info
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// openLockManager connects the lock server or creates the in-process lock manager
func (c *Client) openLockManager() (lockmgr.ILockManager, error) {
	if c.cfg.Lock.Remote() {
		ser, err := serializer.New(c.cfg.Serializer)
		if err != nil {
			return nil, kv.NewError(kv.ResultInvalidArgument, err.Error())
		}
		t, err := client.NewClientTransport(c.cfg.Network)
		if err != nil {
			return nil, err
		}
		m, err := client.NewRPCLockMgr(c.cfg.Lock.ShardID, c.cfg.Transport.WithEndpoints(c.cfg.Lock.Endpoints...), t, ser)
		if err != nil {
			t.Close()
			return nil, err
		}
		c.lockConn, _ = m.(io.Closer)
		return m, nil
	}

	opts := []lockmgr.Option{lockmgr.WithClock(c.clock)}
	if c.cfg.Metrics != nil {
		opts = append(opts, lockmgr.WithMetrics(c.cfg.Metrics))
	}
	m, err := lockmgr.New(lockmgr.Config{
		StaleAfter:   c.cfg.Lock.StaleAfter,
		ReapInterval: c.cfg.Lock.ReapInterval,
	}, lockmgr.NewHeartbeatTable(c.clock), opts...)
	if err != nil {
		return nil, err
	}
	c.localLocks = m
	return m, nil
}

// release frees the resources Open acquired after the dispatcher
func (c *Client) release() {
	c.cancel()
	if c.localLocks != nil {
		c.localLocks.Stop()
		c.localLocks.CancelWaiters()
	}
	if c.lockConn != nil {
		if err := c.lockConn.Close(); err != nil {
			Logger.Warningf("failed to close lock manager: %v", err)
		}
	}
	if c.paths != nil {
		if err := c.paths.Close(); err != nil {
			Logger.Warningf("failed to close path issuer: %v", err)
		}
	}
	c.codec.Close()
}

func (c *Client) lockRequest(key kv.Key, opt kv.LockOption) (kv.LockRequest, error) {
	if opt.RequestUUID == uuid.Nil {
		opt.RequestUUID = uuid.New()
	}
	req := kv.LockRequest{Key: key, Owner: c.instance.UUID, Option: opt}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func (c *Client) acquire(ctx context.Context, req kv.LockRequest) (kv.LockResult, error) {
	res, err := c.locks.Acquire(ctx, req)
	if res.Status == kv.LockGranted {
		c.counters.lockGranted.Inc()
	} else {
		c.counters.lockDenied.Inc()
	}
	return res, err
}

// mgmtPath resolves a management context to one path
func (c *Client) mgmtPath(ctx kv.MgmtContext) (*registry.Transport, error) {
	if !ctx.PassThrough || ctx.PathHash == 0 {
		return nil, kv.NewError(kv.ResultInvalidArgument, "management context needs pass-through and a path hash")
	}
	path, ok := c.reg.Lookup(ctx.PathHash)
	if !ok || path.Retired() {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown path %d", ctx.PathHash))
	}
	if ctx.ContainerHash != 0 && path.ContainerHash() != ctx.ContainerHash {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("path %d is not a path of container %d", ctx.PathHash, ctx.ContainerHash))
	}
	return path, nil
}

func (c *Client) countCompletion(op *kv.Operation) {
	if !op.Result.Ok() {
		c.counters.failed.Inc()
		return
	}
	c.counters.completed.Inc()
	switch op.OpCode {
	case kv.OpPut:
		c.counters.bytes.Add(int64(op.Value.Length))
	case kv.OpGet:
		c.counters.bytes.Add(int64(len(op.Value.Bytes())))
	}
}

func (c *Client) onStatusChange(_ *registry.Transport, _, _ kv.PathStatus) {
	c.countDownPaths()
}

func (c *Client) countDownPaths() {
	down := 0
	for _, ct := range c.reg.Containers() {
		for _, t := range ct.Transports {
			if t.Status == kv.PathDown {
				down++
			}
		}
	}
	c.counters.pathsDown.Set(int64(down))
}

// --------------------------------------------------------------------------
// Background loops
// --------------------------------------------------------------------------

// heartbeat sends one heartbeat and records how long it took
func (c *Client) heartbeat() {
	start := time.Now()
	err := c.locks.Heartbeat(c.Instance())
	c.lastHB.Store(int64(time.Since(start)))
	if err != nil {
		c.counters.heartbeatFails.Inc()
		Logger.Warningf("heartbeat of %s failed: %v", c.instance.UUID, err)
		return
	}
	c.counters.heartbeats.Inc()
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

// recheckLoop brings down paths back up once their target answers again
func (c *Client) recheckLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.recheckDownPaths()
		}
	}
}

func (c *Client) recheckDownPaths() {
	for _, ct := range c.reg.Containers() {
		for _, info := range ct.Transports {
			if info.Status != kv.PathDown {
				continue
			}
			path, ok := c.reg.Lookup(info.PathHash)
			if !ok || path.Retired() {
				continue
			}
			if err := c.paths.Ping(path); err != nil {
				Logger.Debugf("recheck of %s failed: %v", path, err)
				continue
			}
			Logger.Infof("path %s is reachable again", path)
		}
	}
}
