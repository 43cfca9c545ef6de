// Package rpc provides the network layer of nKV. It carries KV operations
// from a client instance to the container targets and lock requests to the
// lock manager.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, configuration structures and logging.
//
//   - transport: Network communication abstractions with pluggable
//     implementations (TCP, Unix sockets, HTTP). Requests can be sent
//     synchronously or asynchronously; servers may reply out of order.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The path issuer that sends operations over the transports of a
//     container and a remote lock manager client.
//
//   - server: The target server that hosts containers and a lock manager.
package rpc
