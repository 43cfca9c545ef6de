package server

import (
	"github.com/ValentinKolb/nKV/rpc/common"
)

// ReplyFunc sends the response of one request. It must be called exactly once.
type ReplyFunc func(resp *common.Message)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request and passes the response to reply.
	// reply may be called after Handle returned, e.g. once a blocked lock
	// request was granted.
	// If an error occurs, it should be set in the response
	Handle(req *common.Message, reply ReplyFunc)
}
