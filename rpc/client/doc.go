// Package client implements the client side of the nKV RPC layer.
//
// Key Components:
//
//   - PathIssuer: Implements aio.IPathIssuer. It keeps one client transport
//     per container path, dialed on first use, and sends PUT, GET and DEL
//     asynchronously with the container hash as shard id. Values are encoded
//     (compression, then encryption) before a PUT and decoded after a GET.
//     When a path cannot be reached or its connection breaks, the path is
//     marked down in the registry. Ping marks it up again once the target
//     answers.
//
//   - NewRPCLockMgr: Factory function that creates a client implementing the
//     lockmgr.ILockManager interface against a remote lock manager shard.
//
//   - NewClientTransport: Returns the client transport for a network name
//     (tcp, unix or http).
//
// Usage Example:
//
//	// Configure the transports, endpoints are set per path
//	config := common.ClientConfig{
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 2,
//	}
//
//	issuer, _ := client.NewPathIssuer(config, "tcp", serializer.NewBinarySerializer(), codec, registry)
//
//	// Create and use a lock manager
//	t, _ := client.NewClientTransport("tcp")
//	locks, _ := client.NewRPCLockMgr(1, config.WithEndpoints("10.0.0.1:7000"), t, serializer.NewBinarySerializer())
//	res, err := locks.Acquire(ctx, req)
//	if err == nil && res.Status == kv.LockGranted {
//	  locks.Release(req.Key, req.Option.RequestUUID)
//	}
//
// Performance Considerations:
//
//   - Increasing ConnectionsPerEndpoint can improve throughput for large
//     payloads by allowing parallel writes on one path.
//
//   - The binary serializer provides the best performance and smallest
//     payload size.
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
