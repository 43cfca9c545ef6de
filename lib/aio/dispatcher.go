package aio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/lib/selector"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("aio")

// --------------------------------------------------------------------------
// In-flight record
// --------------------------------------------------------------------------

const (
	statePending int32 = iota
	stateIssued
	stateCancelled
	stateCompleted
)

// request is the in-flight record of a submitted operation
type request struct {
	id    uint64
	op    *kv.Operation
	path  *registry.Transport
	size  int64
	state atomic.Int32

	mu    sync.Mutex // guards timer
	timer util.Timer
}

// armTimer starts the I/O deadline unless the request already completed
func (r *request) armTimer(c util.Clock, d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Load() == stateCompleted {
		return
	}
	r.timer = c.AfterFunc(d, f)
}

// finish marks the request completed and stops its deadline
func (r *request) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(stateCompleted)
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// requestSize is the number of bytes a request puts on the wire or expects back
func requestSize(op *kv.Operation) int64 {
	n := int64(len(op.Key))
	switch op.OpCode {
	case kv.OpPut:
		n += int64(op.Value.Length)
	case kv.OpGet:
		n += int64(len(op.Value.Buf))
	}
	return n
}

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// Deps are the collaborators of a Dispatcher. Resolver, Clock and Metrics are optional.
type Deps struct {
	Registry *registry.Registry
	Selector *selector.Selector
	Issuer   IPathIssuer
	Resolver IKeySpaceResolver
	Clock    util.Clock
	Metrics  prometheus.Registerer
}

// Dispatcher turns operations into in-flight requests and hands them to a
// fixed pool of I/O workers. Submit never blocks on the network.
type Dispatcher struct {
	cfg      Config
	reg      *registry.Registry
	sel      *selector.Selector
	issuer   IPathIssuer
	resolver IKeySpaceResolver
	clock    util.Clock
	metrics  *Metrics

	inflight *xsync.MapOf[uint64, *request]
	nextID   atomic.Uint64
	queue    *util.MPSC[*request]
	engine   *CompletionEngine

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closing   atomic.Bool
}

// NewDispatcher creates a dispatcher and its completion engine.
// Call Start to run the workers.
func NewDispatcher(cfg Config, deps Deps) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Selector == nil || deps.Issuer == nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, "dispatcher needs a registry, a selector and an issuer")
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}

	d := &Dispatcher{
		cfg:      cfg,
		reg:      deps.Registry,
		sel:      deps.Selector,
		issuer:   deps.Issuer,
		resolver: deps.Resolver,
		clock:    deps.Clock,
		metrics:  NewMetrics(deps.Metrics),
		inflight: xsync.NewMapOf[uint64, *request](),
		queue:    util.NewMPSC[*request](),
	}
	d.engine = newCompletionEngine(cfg, d.inflight, d.metrics)
	d.reg.OnStatusChange(d.onStatusChange)

	return d, nil
}

// Completions returns the completion engine of the dispatcher.
func (d *Dispatcher) Completions() *CompletionEngine {
	return d.engine
}

// Start runs the completion engine and the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.engine.start()
		d.wg.Add(d.cfg.Workers)
		for i := 0; i < d.cfg.Workers; i++ {
			go d.worker()
		}
		Logger.Infof("dispatcher started with %d workers", d.cfg.Workers)
	})
}

// Submit validates op, selects a path and enqueues the request.
//
// Argument and routing errors (InvalidArgument, NoHealthyPath) are returned
// directly and no completion is delivered for them. Everything else is
// reported through the completion callback exactly once.
func (d *Dispatcher) Submit(op *kv.Operation, ctx kv.IOContext) (Handle, error) {
	if d.closing.Load() {
		return 0, ErrClosed
	}
	if err := op.Validate(); err != nil {
		if op != nil {
			op.Result = kv.ResultInvalidArgument
		}
		return 0, err
	}
	if !d.engine.hasCallback() {
		return 0, kv.NewError(kv.ResultInvalidArgument, "no completion callback registered")
	}

	path, err := d.route(ctx)
	if err != nil {
		op.Result = kv.ResultOf(err)
		return 0, err
	}

	req := &request{
		id:   d.nextID.Add(1),
		op:   op,
		path: path,
		size: requestSize(op),
	}
	op.Value.ActualLength = 0

	path.Acquire(req.size)
	d.inflight.Store(req.id, req)
	d.metrics.observeSubmit(op.OpCode)

	if !d.queue.Push(req) {
		if _, ok := d.inflight.LoadAndDelete(req.id); ok {
			path.Release(req.size)
			d.metrics.observeComplete(op.OpCode, kv.ResultCancelled, 0)
			return 0, ErrClosed
		}
		// the shutdown already delivered a completion for it
	}

	return Handle(req.id), nil
}

// Cancel prevents a pending request from being issued. It returns false if
// the request was already issued or completed; such a request still delivers
// its regular completion. A cancelled request completes with ResultCancelled.
func (d *Dispatcher) Cancel(h Handle) bool {
	req, ok := d.inflight.Load(uint64(h))
	if !ok {
		return false
	}
	if !req.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	d.engine.Signal(Signal{RequestID: req.id, Result: kv.ResultCancelled})
	return true
}

// InFlight returns the number of requests not completed yet.
func (d *Dispatcher) InFlight() int {
	return d.inflight.Size()
}

// Close stops accepting requests. Pending requests are cancelled, requests
// still in flight fail with ResultTransportFailure, and Close returns after
// the last completion batch has been delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		d.Start()

		d.queue.Close()
		d.wg.Wait()

		d.inflight.Range(func(id uint64, _ *request) bool {
			d.engine.Signal(Signal{RequestID: id, Result: kv.ResultTransportFailure})
			return true
		})
		d.engine.close()
		Logger.Infof("dispatcher closed")
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// route resolves the io context to a transport
func (d *Dispatcher) route(ctx kv.IOContext) (*registry.Transport, error) {
	var containerHash uint64

	if ctx.PassThrough {
		if ctx.ContainerHash == 0 {
			return nil, kv.NewError(kv.ResultInvalidArgument, "pass-through context without container hash")
		}
		if _, ok := d.reg.Container(ctx.ContainerHash); !ok {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown container %d", ctx.ContainerHash))
		}
		if ctx.PathHash != 0 {
			return d.sel.Pinned(ctx.ContainerHash, ctx.PathHash)
		}
		containerHash = ctx.ContainerHash
	} else {
		if d.resolver == nil {
			return nil, kv.NewError(kv.ResultInvalidArgument, "no key-space resolver configured, use a pass-through context")
		}
		h, err := d.resolver.ResolveKeySpace(ctx.KeySpaceID)
		if err != nil {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("cannot resolve key space %d: %v", ctx.KeySpaceID, err))
		}
		containerHash = h
	}

	return d.sel.Select(containerHash)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for req := range d.queue.Recv() {
		d.issue(req)
	}
}

// issue moves a request from pending to issued and hands it to the issuer
func (d *Dispatcher) issue(req *request) {
	if d.closing.Load() {
		if req.state.CompareAndSwap(statePending, stateCancelled) {
			d.engine.Signal(Signal{RequestID: req.id, Result: kv.ResultCancelled})
		}
		return
	}

	if !req.state.CompareAndSwap(statePending, stateIssued) {
		// cancelled
		return
	}

	if !req.path.IsUp() {
		Logger.Debugf("path %s went down before request %d was issued", req.path.Endpoint(), req.id)
		d.engine.Signal(Signal{RequestID: req.id, Result: kv.ResultTransportFailure})
		return
	}

	if d.cfg.IOTimeout > 0 {
		id := req.id
		req.armTimer(d.clock, d.cfg.IOTimeout, func() {
			Logger.Debugf("request %d exceeded its I/O deadline of %s", id, d.cfg.IOTimeout)
			d.engine.Signal(Signal{RequestID: id, Result: kv.ResultTimeout})
		})
	}

	d.issuer.Issue(req.path, req.id, req.op, d.engine)
}

// onStatusChange fails all issued requests of a path that went down
func (d *Dispatcher) onStatusChange(t *registry.Transport, _, to kv.PathStatus) {
	if to != kv.PathDown {
		return
	}
	failed := 0
	d.inflight.Range(func(id uint64, req *request) bool {
		if req.path == t && req.state.Load() == stateIssued {
			d.engine.Signal(Signal{RequestID: id, Result: kv.ResultTransportFailure})
			failed++
		}
		return true
	})
	if failed > 0 {
		Logger.Infof("path %s is down, failing %d outstanding requests", t.Endpoint(), failed)
	}
}
