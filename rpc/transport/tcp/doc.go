// Package tcp implements the TCP transport of the nKV RPC layer. It provides
// the connectors that extend the base package with TCP sockets; a container
// path is dialed at its address and port.
//
// Key Components:
//
//   - clientConnector: TCP implementation of base.IClientConnector
//
//   - serverConnector: TCP implementation of base.IServerConnector
//
// Both sides apply TCP_NODELAY and keep-alive from their configuration.
// The default server buffer size is 512 KB.
package tcp
