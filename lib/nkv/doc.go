// Package nkv is the client runtime of nKV.
//
// A Client bundles everything one instance needs to talk to its containers:
//
//   - the container registry and the multipath selector,
//   - the dispatcher and completion engine of the asynchronous data path,
//   - a lock manager, either in process or on a lock server,
//   - the heartbeat loop that keeps the instance alive for the lock manager,
//   - an optional recheck loop that brings down paths back once they answer,
//   - typed stat counters, exported as a snapshot and to Prometheus.
//
// Usage:
//
//	c, err := nkv.Open(cfg)
//	if err != nil { ... }
//	defer c.Close()
//
//	_ = c.RegisterCompletionCallback(func(b aio.CompletionBatch) { ... }, nil, nil)
//	h, err := c.Submit(&kv.Operation{OpCode: kv.OpPut, Key: key, Value: kv.NewValue(v)},
//		kv.IOContext{KeySpaceID: 1})
//
// Data operations never block the caller: Submit returns once the request is
// queued and the outcome arrives through the completion callback. Locks are
// owned by the instance uuid of the client and can be acquired synchronously
// or with a callback.
package nkv
