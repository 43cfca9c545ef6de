package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/codec"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// pathConn is the lazily connected transport of one container path
type pathConn struct {
	mu sync.Mutex // serializes dialing
	t  transport.IRPCClientTransport
}

// PathIssuer sends KV operations over the transport of the selected path.
// It implements aio.IPathIssuer.
//
// Every path gets its own client transport, dialed on first use. A path whose
// connection cannot be established or breaks is marked down in the registry;
// the dispatcher then fails its outstanding requests.
type PathIssuer struct {
	config     common.ClientConfig
	network    string
	serializer serializer.IRPCSerializer
	codec      *codec.Codec
	reg        *registry.Registry
	conns      *xsync.MapOf[uint64, *pathConn]
}

// NewPathIssuer creates a new path issuer
// The function takes the client transport settings (endpoints are filled in
// per path), the network (tcp, unix or http), a serializer, the value codec
// and the registry the paths belong to.
func NewPathIssuer(
	config common.ClientConfig,
	network string,
	serializer serializer.IRPCSerializer,
	codec *codec.Codec,
	reg *registry.Registry,
) (*PathIssuer, error) {
	if _, err := NewClientTransport(network); err != nil {
		return nil, err
	}
	if serializer == nil || codec == nil || reg == nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, "path issuer needs a serializer, a codec and a registry")
	}

	p := &PathIssuer{
		config:     config,
		network:    network,
		serializer: serializer,
		codec:      codec,
		reg:        reg,
		conns:      xsync.NewMapOf[uint64, *pathConn](),
	}
	reg.OnStatusChange(func(t *registry.Transport, _, to kv.PathStatus) {
		if to == kv.PathDown {
			p.drop(t.Hash())
		}
	})
	return p, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see aio.IPathIssuer)
// --------------------------------------------------------------------------

func (p *PathIssuer) Issue(path *registry.Transport, requestID uint64, op *kv.Operation, sink aio.ISignalSink) {
	fail := func(result kv.Result) {
		sink.Signal(aio.Signal{RequestID: requestID, Result: result})
	}

	conn, err := p.connection(path)
	if err != nil {
		Logger.Warningf("path %s is unreachable: %v", path, err)
		p.markDown(path)
		fail(kv.ResultTransportFailure)
		return
	}

	req, sent, err := p.request(op)
	if err != nil {
		Logger.Debugf("request %d rejected: %v", requestID, err)
		fail(kv.ResultOf(err))
		return
	}
	reqBytes, err := p.serializer.Serialize(*req)
	if err != nil {
		Logger.Errorf("failed to serialize request %d: %v", requestID, err)
		fail(kv.ResultInternalError)
		return
	}

	// op belongs to the caller once a completion was delivered, e.g. after a
	// timeout, so the callback must not touch it
	opCode, retrieve := op.OpCode, op.Retrieve

	err = conn.SendAsync(path.ContainerHash(), reqBytes, func(resp []byte, err error) {
		if err != nil {
			if errors.Is(err, transport.ErrConnectionLost) {
				Logger.Warningf("connection to path %s lost: %v", path, err)
				p.markDown(path)
			}
			fail(kv.ResultTransportFailure)
			return
		}
		sink.Signal(p.complete(requestID, opCode, retrieve, sent, resp))
	})
	if err != nil {
		Logger.Warningf("failed to send request %d on path %s: %v", requestID, path, err)
		p.markDown(path)
		fail(kv.ResultTransportFailure)
	}
}

// --------------------------------------------------------------------------
// Management
// --------------------------------------------------------------------------

// ContainerInfo asks the target behind path for the container description.
func (p *PathIssuer) ContainerInfo(path *registry.Transport) (kv.Container, error) {
	conn, err := p.connection(path)
	if err != nil {
		return kv.Container{}, kv.NewError(kv.ResultTransportFailure, err.Error())
	}
	resp, err := invokeRPCRequest(path.ContainerHash(), common.NewInfoRequest(), conn, p.serializer)
	if err != nil {
		return kv.Container{}, err
	}

	var info kv.Container
	if err := json.Unmarshal(resp.Meta, &info); err != nil {
		return kv.Container{}, kv.NewError(kv.ResultInternalError, fmt.Sprintf("invalid container info: %v", err))
	}
	return info, nil
}

// Ping checks whether the target behind path answers and marks the path up
// if it does.
func (p *PathIssuer) Ping(path *registry.Transport) error {
	if _, err := p.ContainerInfo(path); err != nil {
		if errors.Is(err, kv.ErrTransportFailure) {
			p.drop(path.Hash())
		}
		return err
	}
	if path.Status() != kv.PathUp {
		Logger.Infof("path %s answers again", path)
		return p.reg.UpdateStatus(path.Hash(), kv.PathUp)
	}
	return nil
}

// Close closes all path transports.
func (p *PathIssuer) Close() error {
	p.conns.Range(func(hash uint64, _ *pathConn) bool {
		p.drop(hash)
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// connection returns the transport of path, dialing it if needed
func (p *PathIssuer) connection(path *registry.Transport) (transport.IRPCClientTransport, error) {
	pc, _ := p.conns.LoadOrCompute(path.Hash(), func() *pathConn { return &pathConn{} })
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.t != nil {
		return pc.t, nil
	}

	t, err := NewClientTransport(p.network)
	if err != nil {
		return nil, err
	}
	endpoint := common.PathEndpoint(p.network, path.Info())
	if err := t.Connect(p.config.WithEndpoints(endpoint)); err != nil {
		return nil, err
	}
	pc.t = t
	return t, nil
}

// drop closes the transport of a path, the next request dials again
func (p *PathIssuer) drop(pathHash uint64) {
	pc, ok := p.conns.Load(pathHash)
	if !ok {
		return
	}
	pc.mu.Lock()
	t := pc.t
	pc.t = nil
	pc.mu.Unlock()
	if t != nil {
		// may run on a reader goroutine of t
		go func() {
			if err := t.Close(); err != nil {
				Logger.Debugf("failed to close transport: %v", err)
			}
		}()
	}
}

func (p *PathIssuer) markDown(path *registry.Transport) {
	if path.Status() == kv.PathDown {
		return
	}
	if err := p.reg.UpdateStatus(path.Hash(), kv.PathDown); err != nil {
		Logger.Debugf("failed to mark path %s down: %v", path, err)
	}
}

// request builds the wire message of op and returns the number of value bytes it carries
func (p *PathIssuer) request(op *kv.Operation) (*common.Message, uint64, error) {
	switch op.OpCode {
	case kv.OpPut:
		payload := op.Payload()
		encoded, err := p.codec.Encode(op.Store, payload)
		if err != nil {
			return nil, 0, err
		}
		var crc uint32
		if op.Store.CRCInMeta {
			crc = codec.Checksum(encoded)
		}
		return common.NewPutRequest(string(op.Key), encoded, op.Store, crc), uint64(len(payload)), nil
	case kv.OpGet:
		return common.NewGetRequest(string(op.Key), op.Retrieve), 0, nil
	case kv.OpDelete:
		return common.NewDeleteRequest(string(op.Key)), 0, nil
	default:
		return nil, 0, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown opcode %d", op.OpCode))
	}
}

// complete turns a response into the completion signal of a request
func (p *PathIssuer) complete(requestID uint64, opCode kv.OpCode, retrieve kv.RetrieveOption, sent uint64, respBytes []byte) aio.Signal {
	sig := aio.Signal{RequestID: requestID}

	expected := common.MsgTKVGet
	switch opCode {
	case kv.OpPut:
		expected = common.MsgTKVPut
	case kv.OpDelete:
		expected = common.MsgTKVDelete
	}

	resp, err := decodeResponse(respBytes, expected, p.serializer)
	if err != nil {
		Logger.Errorf("request %d failed: %v", requestID, err)
		sig.Result = kv.ResultInternalError
		return sig
	}
	if sig.Result = resp.Result(); sig.Result != kv.ResultSuccess {
		return sig
	}

	switch opCode {
	case kv.OpPut:
		sig.BytesTransferred = sent
	case kv.OpGet:
		if retrieve.CompareCRC && resp.CRC != 0 && codec.Checksum(resp.Value) != resp.CRC {
			sig.Result = kv.ResultChecksumMismatch
			return sig
		}
		value, err := p.codec.Decode(retrieve, resp.Value)
		if err != nil {
			Logger.Debugf("failed to decode value of request %d: %v", requestID, err)
			sig.Result = kv.ResultOf(err)
			return sig
		}
		sig.Payload = value
		sig.ActualLength = uint64(len(value))
		sig.BytesTransferred = uint64(len(value))
	}
	return sig
}
