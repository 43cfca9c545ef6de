// Package base provides the protocol independent part of the nKV transports.
// The tcp and unix packages extend it with connectors.
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - clientTransport: Client implementation that manages one or more
//     connections per endpoint. Each request gets a unique request id; a
//     reader goroutine per connection correlates response frames with the
//     registered callbacks. When a connection breaks, every request pending on
//     it fails with transport.ErrConnectionLost and the connection is dialed
//     again once. Send retries with exponential backoff, SendAsync never retries.
//
//   - serverTransport: Server implementation that accepts connections and
//     hands requests to the registered handler on a bounded number of workers
//     per connection. Handlers may reply after they return.
//
// Frame format:
//
//	8 bytes shard id | 8 bytes request id | 4 bytes length | payload
//
// Thread Safety:
//
//	All public methods are thread-safe. Writes to a connection are serialized
//	with a mutex; reads happen on one goroutine per connection.
package base
