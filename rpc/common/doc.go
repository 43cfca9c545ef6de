// Package common provides the data structures and utilities shared by the
// nKV RPC client and target server.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. One struct is
//     used for requests and responses of container operations (put, get,
//     delete, info) and lock manager operations (acquire, release,
//     heartbeat). Store, retrieve and lock options travel as bits in Flags.
//
//   - MessageType: Enumeration of all supported operation types.
//
//   - ServerConfig: Configuration of a target server: its container and lock
//     manager shards, transport and lock reaping parameters.
//
//   - ClientConfig: Connection parameters of a client transport. One client
//     transport is created per container path, the endpoints are filled in
//     from the path.
//
//   - Logger: Implementation of the dragonboat logger interface with a
//     consistent "LEVEL | package | message" format for all nKV packages.
package common
