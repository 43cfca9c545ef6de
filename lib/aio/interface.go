package aio

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
)

// ErrClosed is returned by Submit once the dispatcher is shutting down.
var ErrClosed = errors.New("dispatcher is closed")

// Handle identifies a submitted request. It is the request id.
type Handle uint64

// Signal is a raw completion signal for an in-flight request.
//
// For a successful GET, Payload holds the value produced by the container and
// ActualLength the full size of the stored object (defaults to len(Payload)).
// The payload is copied into the caller buffer by the completion engine.
type Signal struct {
	RequestID        uint64
	Result           kv.Result
	BytesTransferred uint64
	Payload          []byte
	ActualLength     uint64
}

// ISignalSink accepts completion signals. Signal never blocks and can be
// called from any goroutine, any number of times for the same request id;
// only the first signal takes effect.
type ISignalSink interface {
	Signal(s Signal)
}

// IPathIssuer performs the I/O of a request on a path.
//
// Issue is called from a dispatcher worker. It may block while writing the
// request, but must report the outcome through sink and never call back into
// the dispatcher synchronously. Store options are passed through unmodified.
type IPathIssuer interface {
	Issue(path *registry.Transport, requestID uint64, op *kv.Operation, sink ISignalSink)
}

// IKeySpaceResolver resolves a key-space id to a container hash.
type IKeySpaceResolver interface {
	ResolveKeySpace(keySpaceID int32) (uint64, error)
}

// CompletionBatch is the set of operations delivered in one callback.
// Ops are in completion order; Count equals len(Ops). Tag1 and Tag2 are the
// tags passed to RegisterCallback.
type CompletionBatch struct {
	Ops   []*kv.Operation
	Count int
	Tag1  any
	Tag2  any
}

// CompletionCallback receives completed operations. It runs on the completion
// engine goroutine, so a slow callback delays later batches.
type CompletionCallback func(batch CompletionBatch)

// Config holds the dispatcher and completion engine parameters. None of them
// has a default; Validate rejects values that would stall the pipeline.
type Config struct {
	Workers    int           // number of I/O workers
	IOTimeout  time.Duration // per request I/O deadline, 0 disables it
	MaxBatch   int           // flush the batch at this size
	FlushDelay time.Duration // flush a non-empty batch after this delay, 0 flushes when idle
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("dispatch workers must be positive, got %d", c.Workers))
	}
	if c.MaxBatch <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("completion max batch must be positive, got %d", c.MaxBatch))
	}
	if c.IOTimeout < 0 || c.FlushDelay < 0 {
		return kv.NewError(kv.ResultInvalidArgument, "durations must not be negative")
	}
	return nil
}
