package client

import (
	"context"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/lockmgr"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/google/uuid"
)

// NewRPCLockMgr creates a new RPC ILockManager
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It connects the transport and returns a lockmgr.ILockManager and an error
func NewRPCLockMgr(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, kv.NewError(kv.ResultTransportFailure, err.Error())
	}

	// Create a new RPC lock manager
	l := rpcLockMgr{
		rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	return &l, nil
}

type rpcLockMgr struct {
	rpcClientAdapter
}

// acquireResponse is the outcome of an asynchronous Acquire request
type acquireResponse struct {
	resp *common.Message
	err  error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the lockmgr package in interface.go)
// --------------------------------------------------------------------------

// Acquire sends the request without a transport timeout: a blocking request
// is answered by the lock manager once it is resolved. If ctx ends first,
// the request is withdrawn (or the lock released if it was granted meanwhile).
func (i *rpcLockMgr) Acquire(ctx context.Context, req kv.LockRequest) (kv.LockResult, error) {
	denied := kv.LockResult{Key: req.Key, Request: req.Option.RequestUUID, Status: kv.LockDenied}
	if err := req.Validate(); err != nil {
		denied.Err = err
		return denied, err
	}

	msg := common.NewAcquireRequest(req)
	reqBytes, err := i.serializer.Serialize(*msg)
	if err != nil {
		denied.Err = err
		return denied, err
	}

	done := make(chan acquireResponse, 1)
	err = i.transport.SendAsync(i.shardId, reqBytes, func(respBytes []byte, err error) {
		if err != nil {
			done <- acquireResponse{err: kv.NewError(kv.ResultTransportFailure, err.Error())}
			return
		}
		resp, err := decodeResponse(respBytes, common.MsgTLCKAcquire, i.serializer)
		done <- acquireResponse{resp: resp, err: err}
	})
	if err != nil {
		denied.Err = kv.NewError(kv.ResultTransportFailure, err.Error())
		return denied, denied.Err
	}

	select {
	case r := <-done:
		if r.err != nil {
			denied.Err = r.err
			return denied, r.err
		}
		if err := r.resp.Error(); err != nil {
			denied.Err = err
			return denied, err
		}
		return r.resp.LockResult(), nil

	case <-ctx.Done():
		go i.withdraw(req, done)
		denied.Err = kv.ErrCancelled
		return denied, ctx.Err()
	}
}

func (i *rpcLockMgr) Release(key kv.Key, requestUUID uuid.UUID) (bool, error) {
	req := common.NewReleaseRequest(string(key), requestUUID)
	resp, err := invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
	if err != nil {
		return false, err
	}
	if err := resp.Error(); err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcLockMgr) Heartbeat(info kv.InstanceInfo) error {
	req := common.NewHeartbeatRequest(info)
	resp, err := invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
	if err != nil {
		return err
	}
	return resp.Error()
}

// withdraw releases an abandoned request. The release can overtake the
// acquire on another connection, so a grant that arrives later is released too.
func (i *rpcLockMgr) withdraw(req kv.LockRequest, done <-chan acquireResponse) {
	if _, err := i.Release(req.Key, req.Option.RequestUUID); err != nil {
		Logger.Warningf("failed to withdraw lock request %s on %q: %v", req.Option.RequestUUID, req.Key, err)
	}
	r := <-done
	if r.err == nil && r.resp.LockResult().Status == kv.LockGranted {
		if _, err := i.Release(req.Key, req.Option.RequestUUID); err != nil {
			Logger.Warningf("failed to release abandoned lock %s on %q: %v", req.Option.RequestUUID, req.Key, err)
		}
	}
}

// Close closes the underlying transport.
func (i *rpcLockMgr) Close() error {
	return i.transport.Close()
}
