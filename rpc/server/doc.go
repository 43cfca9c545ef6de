// Package server implements the target side of nKV: an RPC server that hosts
// containers and a lock manager behind one transport endpoint.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface for all server adapters. Handle processes a
//     request and passes the response to a reply function, which may be called
//     after Handle returned.
//
//   - NewContainerServerAdapter: Serves Put, Get, Delete and Info against a
//     container.ITarget. The store and retrieve preconditions are evaluated by
//     the container.
//
//   - NewLockManagerServerAdapter: Serves Acquire, Release and Heartbeat
//     against a lockmgr.LockManager. A blocked Acquire is answered once the
//     request is granted, times out or is withdrawn, without holding a
//     transport worker.
//
//   - NewRPCServer: Creates a server with the given transport and serializer.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: util.ContainerHash("c1"), Type: common.ShardTypeContainer, Name: "c1"},
//	    {ShardID: 1, Type: common.ShardTypeLockManager},
//	  },
//	  Endpoint:         "0.0.0.0:7000",
//	  TimeoutSecond:    5,
//	  WorkersPerConn:   16,
//	  LockStaleAfter:   10 * time.Second,
//	  LockReapInterval: time.Second,
//	  LogLevel:         "info",
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPDefaultServerTransport(),
//	  serializer.NewBinarySerializer(),
//	  server.WithMetrics(prometheus.DefaultRegisterer),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server is thread-safe and handles concurrent requests across multiple
//	connections. Serve should be called only once.
package server
