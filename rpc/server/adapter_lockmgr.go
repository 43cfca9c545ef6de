package server

import (
	"fmt"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/lockmgr"
	"github.com/ValentinKolb/nKV/rpc/common"
)

// NewLockManagerServerAdapter creates an adapter that serves lock requests from locks
func NewLockManagerServerAdapter(locks *lockmgr.LockManager) IRPCServerAdapter {
	return &lockMgrServerAdapter{locks: locks}
}

type lockMgrServerAdapter struct {
	locks *lockmgr.LockManager
}

func (adapter *lockMgrServerAdapter) Handle(req *common.Message, reply ReplyFunc) {
	// Check for nil lock manager
	if adapter.locks == nil {
		reply(common.NewErrorResponse("handler: lock manager is nil"))
		return
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTLCKAcquire:
		adapter.acquire(req.LockRequest(), reply)
	case common.MsgTLCKRelease:
		ok, err := adapter.locks.Release(kv.Key(req.Key), req.Request)
		reply(common.NewReleaseResponse(ok, err))
	case common.MsgTLCKHeartbeat:
		err := adapter.locks.Heartbeat(req.Instance())
		reply(common.NewHeartbeatResponse(err))
	default:
		reply(common.NewErrorResponse(fmt.Sprintf("RPC LockManagerAdapter - Unsupported message type: %s", req.MsgType)))
	}
}

// acquire submits the request and replies once it is resolved.
// A blocked request is answered from its own goroutine.
func (adapter *lockMgrServerAdapter) acquire(req kv.LockRequest, reply ReplyFunc) {
	ticket, err := adapter.locks.Submit(req)
	if err != nil {
		res := kv.LockResult{Key: req.Key, Request: req.Option.RequestUUID, Status: kv.LockDenied}
		reply(common.NewAcquireResponse(res, err))
		return
	}

	select {
	case <-ticket.Done():
		reply(common.NewAcquireResponse(ticket.Result(), nil))
	default:
		go func() {
			<-ticket.Done()
			reply(common.NewAcquireResponse(ticket.Result(), nil))
		}()
	}
}
