package aio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// callbackRegistration is the registered completion callback and its tags
type callbackRegistration struct {
	fn   CompletionCallback
	tag1 any
	tag2 any
}

// CompletionEngine turns completion signals into batched callback invocations.
//
// Signals are pushed into a lock-free queue by any goroutine and consumed by a
// single engine goroutine. The first signal for a request id removes the
// in-flight record and completes the operation; later signals for the same id
// are dropped.
type CompletionEngine struct {
	table      *xsync.MapOf[uint64, *request]
	queue      *util.MPSC[Signal]
	maxBatch   int
	flushDelay time.Duration
	metrics    *Metrics

	callback  atomic.Pointer[callbackRegistration]
	startOnce sync.Once
	done      chan struct{}
}

func newCompletionEngine(cfg Config, table *xsync.MapOf[uint64, *request], metrics *Metrics) *CompletionEngine {
	return &CompletionEngine{
		table:      table,
		queue:      util.NewMPSC[Signal](),
		maxBatch:   cfg.MaxBatch,
		flushDelay: cfg.FlushDelay,
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// RegisterCallback sets the completion callback. tag1 and tag2 are handed to
// every invocation. Registering again replaces the previous callback.
func (e *CompletionEngine) RegisterCallback(fn CompletionCallback, tag1, tag2 any) error {
	if fn == nil {
		return kv.NewError(kv.ResultInvalidArgument, "completion callback is nil")
	}
	e.callback.Store(&callbackRegistration{fn: fn, tag1: tag1, tag2: tag2})
	return nil
}

// Signal implements ISignalSink.
func (e *CompletionEngine) Signal(s Signal) {
	if !e.queue.Push(s) {
		Logger.Debugf("completion engine closed, dropping signal for request %d (%s)", s.RequestID, s.Result)
	}
}

func (e *CompletionEngine) hasCallback() bool {
	return e.callback.Load() != nil
}

func (e *CompletionEngine) start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// close delivers all queued signals and waits for the last batch
func (e *CompletionEngine) close() {
	e.start()
	e.queue.Close()
	<-e.done
}

// --------------------------------------------------------------------------
// Engine loop
// --------------------------------------------------------------------------

func (e *CompletionEngine) run() {
	defer close(e.done)

	var (
		batch  []*kv.Operation
		timer  *time.Timer
		timerC <-chan time.Time
		recv   = e.queue.Recv()
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) > 0 {
			e.deliver(batch)
			batch = nil
		}
	}

	for {
		var (
			s  Signal
			ok bool
		)

		if len(batch) > 0 && e.flushDelay == 0 {
			// no delay configured, flush as soon as nothing else is waiting
			select {
			case s, ok = <-recv:
			default:
				flush()
				continue
			}
		} else {
			select {
			case s, ok = <-recv:
			case <-timerC:
				timer, timerC = nil, nil
				flush()
				continue
			}
		}

		if !ok {
			flush()
			return
		}

		op := e.complete(s)
		if op == nil {
			continue
		}
		batch = append(batch, op)

		switch {
		case len(batch) >= e.maxBatch:
			flush()
		case e.flushDelay > 0 && timer == nil:
			timer = time.NewTimer(e.flushDelay)
			timerC = timer.C
		}
	}
}

// complete settles the in-flight record of a signal and returns its operation,
// nil if the request was already completed
func (e *CompletionEngine) complete(s Signal) *kv.Operation {
	req, ok := e.table.LoadAndDelete(s.RequestID)
	if !ok {
		Logger.Warningf("dropping duplicate completion for request %d (%s)", s.RequestID, s.Result)
		e.metrics.observeDuplicate()
		return nil
	}

	req.finish()
	req.path.Release(req.size)

	op := req.op
	result := s.Result
	if op.OpCode == kv.OpGet && result == kv.ResultSuccess {
		actual := s.ActualLength
		if actual == 0 {
			actual = uint64(len(s.Payload))
		}
		copy(op.Value.Buf, s.Payload)
		op.Value.ActualLength = actual
		op.Value.Length = min(actual, uint64(len(op.Value.Buf)))
		if actual > uint64(len(op.Value.Buf)) {
			result = kv.ResultTruncated
		}
	}
	op.Result = result

	e.metrics.observeComplete(op.OpCode, result, s.BytesTransferred)
	return op
}

func (e *CompletionEngine) deliver(batch []*kv.Operation) {
	cb := e.callback.Load()
	if cb == nil {
		// Submit refuses requests until a callback exists
		Logger.Errorf("no completion callback registered, dropping %d completions", len(batch))
		return
	}
	e.metrics.observeBatch(len(batch))
	cb.fn(CompletionBatch{
		Ops:   batch,
		Count: len(batch),
		Tag1:  cb.tag1,
		Tag2:  cb.tag2,
	})
}
