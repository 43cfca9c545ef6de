/*
Package aio implements the asynchronous data path of nKV: the request
dispatcher and the completion engine.

# Request lifecycle

	Submit -> Pending -> Issued -> Completed(Success|Error) -> delivered

Submit validates the operation, resolves the io context to a container
(pass-through hash or key-space lookup), asks the selector for a path,
accounts the request on that path and stores an in-flight record under a
monotonically increasing request id. It then pushes the request into a
lock-free queue and returns a Handle. Submit never waits for the network.

A fixed pool of workers takes requests from the queue, moves them from
Pending to Issued and calls the IPathIssuer. Cancel only succeeds while a
request is still Pending; a cancelled request completes with ResultCancelled.

# Completions

Issuers, the path-down listener, the I/O deadline and Cancel all report
through Signal. The completion engine consumes signals on a single goroutine;
the first signal for a request id removes the in-flight record, releases the
path counters and appends the operation to the current batch. Later signals
for the same id are logged and dropped, so every request is delivered exactly
once.

A batch is handed to the registered callback once it reaches MaxBatch
operations or FlushDelay after its first operation, whichever comes first.
Operations inside a batch are in completion order.

For GET the payload is copied into the caller buffer. If the stored value is
larger than the buffer, Value.ActualLength reports the full size and the
result is ResultTruncated.

# Usage

	d, err := aio.NewDispatcher(aio.Config{Workers: 8, MaxBatch: 32, FlushDelay: time.Millisecond}, aio.Deps{
		Registry: reg,
		Selector: sel,
		Issuer:   issuer,
	})
	if err != nil {
		return err
	}
	d.Completions().RegisterCallback(func(b aio.CompletionBatch) {
		for _, op := range b.Ops {
			// op.Result, op.Tag1, op.Tag2
		}
	}, nil, nil)
	d.Start()
	defer d.Close()

	h, err := d.Submit(op, kv.IOContext{PassThrough: true, ContainerHash: hash})
*/
package aio
