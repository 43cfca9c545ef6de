package server

import (
	"fmt"

	"github.com/ValentinKolb/nKV/lib/container"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/rpc/common"
)

// NewContainerServerAdapter creates an adapter that serves the KV operations of one container
func NewContainerServerAdapter(target container.ITarget) IRPCServerAdapter {
	return &containerServerAdapter{target: target}
}

type containerServerAdapter struct {
	target container.ITarget
}

func (adapter *containerServerAdapter) Handle(req *common.Message, reply ReplyFunc) {
	// Check for nil target
	if adapter.target == nil {
		reply(common.NewErrorResponse("handler: container is nil"))
		return
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTKVPut:
		res := adapter.target.Put(kv.Key(req.Key), req.Value, common.ToStoreOption(req.Flags), req.CRC)
		reply(common.NewPutResponse(res))
	case common.MsgTKVGet:
		val, crc, res := adapter.target.Get(kv.Key(req.Key), common.ToRetrieveOption(req.Flags))
		reply(common.NewGetResponse(val, crc, res))
	case common.MsgTKVDelete:
		res := adapter.target.Delete(kv.Key(req.Key))
		reply(common.NewDeleteResponse(res))
	case common.MsgTInfo:
		reply(common.NewInfoResponse(adapter.target.Info()))
	default:
		reply(common.NewErrorResponse(
			fmt.Sprintf("RPC ContainerAdapter - Unsupported message type: %s", req.MsgType),
		))
	}
}
