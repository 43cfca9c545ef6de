package transport

import (
	"errors"
	"net"

	"github.com/ValentinKolb/nKV/rpc/common"
)

var (
	// ErrConnectionLost is passed to pending response callbacks when the
	// connection carrying the request breaks.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoConnection is returned when no connection is available for a request.
	ErrNoConnection = errors.New("no active connections available")
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ReplyFunc sends the response of one request. It must be called exactly once
// and may be called from any goroutine.
type ReplyFunc func(resp []byte)

// ServerHandleFunc handles an incoming request for a shard.
// The handler may reply before it returns or later, e.g. after a blocked lock
// request was granted. req is only valid until the handler returns.
type ServerHandleFunc func(shardId uint64, req []byte, reply ReplyFunc)

// IRPCServerTransport is the interface for the server side of the transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler is called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests until Close is called
	Listen(config common.ServerConfig) error
	// Addr returns the listen address, nil before Listen
	Addr() net.Addr
	// Close stops listening, Listen returns nil afterwards
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// ResponseFunc receives the response of an asynchronous request.
// It is called on the connection reader goroutine and must not block.
type ResponseFunc func(resp []byte, err error)

// IRPCClientTransport is the interface for the client side of the transport layer
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and waits for the response.
	// Failed attempts are retried up to the configured retry count.
	Send(shardId uint64, req []byte) (resp []byte, err error)
	// SendAsync writes a request and returns without waiting for the response.
	// done is called exactly once if SendAsync returns nil and never otherwise.
	SendAsync(shardId uint64, req []byte, done ResponseFunc) error
	// Close closes the transport connection, pending requests fail with ErrConnectionLost
	Close() error
}
