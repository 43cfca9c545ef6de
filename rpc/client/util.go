package client

import (
	"fmt"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/ValentinKolb/nKV/rpc/transport/http"
	"github.com/ValentinKolb/nKV/rpc/transport/tcp"
	"github.com/ValentinKolb/nKV/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// NewClientTransport returns an unconnected client transport for network (tcp, unix or http)
func NewClientTransport(network string) (transport.IRPCClientTransport, error) {
	switch network {
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	case "http":
		return http.NewHttpClientTransport(), nil
	default:
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown transport %q, must be one of tcp, unix, http", network))
	}
}

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the RPCLockMgr with composition pattern
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a shard ID, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
func invokeRPCRequest(shardId uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(shardId, reqBytes)
	if err != nil {
		return nil, kv.NewError(kv.ResultTransportFailure, err.Error())
	}

	return decodeResponse(respBytes, req.MsgType, serializer)
}

// decodeResponse deserializes a response.
// This method also checks if the response is an error response and if the type of the response is the expected type
func decodeResponse(respBytes []byte, expected common.MessageType, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, kv.NewError(kv.ResultInternalError, fmt.Sprintf("RPC %s - failed to decode response: %s", expected, err))
	}

	// Check if the response is an error response
	if resp.MsgType == common.MsgTError {
		return nil, kv.NewError(kv.ResultInternalError, fmt.Sprintf("RPC %s - Error: %s", expected, resp.Err))
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != expected {
		return nil, kv.NewError(kv.ResultInternalError, fmt.Sprintf("RPC %s - Unexpected message type: %s", expected, resp.MsgType))
	}

	// Return the response
	return resp, nil
}
