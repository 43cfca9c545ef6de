// Package unix implements the Unix domain socket transport of the nKV RPC
// layer, for clients and target servers on the same machine. A container
// path is dialed at its address, which holds the socket path; the port is
// ignored.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, an existing socket file
//     at the endpoint is removed first
//
// The default server buffer size is 64 KB.
package unix
