// Package transport defines the interfaces for RPC communication between nKV
// clients and target servers.
//
// Requests are framed with a shard id (the container hash or the lock shard
// id) and a request id. The client side is asynchronous: SendAsync returns as
// soon as the frame is written and the response is handed to a callback on the
// connection's reader goroutine, which is what lets the request dispatcher keep
// many requests in flight per path without a goroutine per request. Send is
// the blocking variant used for management and lock calls.
//
// On the server side a handler may reply after it returns, so long running
// requests (blocked lock acquisitions) do not hold a worker slot.
//
// Implementations live in the tcp and unix subpackages and share the
// protocol independent code in base.
package transport
