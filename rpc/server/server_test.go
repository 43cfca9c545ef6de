package server

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/lib/codec"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	containerShard = 4242
	lockShard      = 1
)

// fakeTransport hands requests to the registered handler in memory
type fakeTransport struct {
	handler transport.ServerHandleFunc
}

func (f *fakeTransport) RegisterHandler(h transport.ServerHandleFunc) { f.handler = h }
func (f *fakeTransport) Listen(common.ServerConfig) error              { return nil }
func (f *fakeTransport) Addr() net.Addr                                { return nil }
func (f *fakeTransport) Close() error                                  { return nil }

type testServer struct {
	*RPCServer
	t          *testing.T
	transport  *fakeTransport
	serializer serializer.IRPCSerializer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ft := &fakeTransport{}
	s := NewRPCServer(common.ServerConfig{
		Shards: []common.ServerShard{
			{ShardID: containerShard, Type: common.ShardTypeContainer, Name: "c1", Capacity: 1 << 20},
			{ShardID: lockShard, Type: common.ShardTypeLockManager},
		},
		Endpoint:         "127.0.0.1:0",
		WorkersPerConn:   4,
		LockStaleAfter:   time.Second,
		LockReapInterval: 100 * time.Millisecond,
		LogLevel:         "error",
	}, ft, serializer.NewBinarySerializer(), WithMetrics(prometheus.NewRegistry()))
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return &testServer{RPCServer: s, t: t, transport: ft, serializer: serializer.NewBinarySerializer()}
}

// sendAsync passes a request to the handler and returns the channel of the reply
func (s *testServer) sendAsync(shard uint64, msg *common.Message) <-chan *common.Message {
	reqBytes, err := s.serializer.Serialize(*msg)
	require.NoError(s.t, err)

	out := make(chan *common.Message, 1)
	s.transport.handler(shard, reqBytes, func(resp []byte) {
		var m common.Message
		if err := s.serializer.Deserialize(resp, &m); err != nil {
			m = *common.NewErrorResponse(err.Error())
		}
		out <- &m
	})
	return out
}

func (s *testServer) send(shard uint64, msg *common.Message) *common.Message {
	select {
	case resp := <-s.sendAsync(shard, msg):
		return resp
	case <-time.After(5 * time.Second):
		s.t.Fatal("no reply")
		return nil
	}
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{Endpoint: "127.0.0.1:0", WorkersPerConn: 1, LogLevel: "info"},
		&fakeTransport{}, serializer.NewBinarySerializer())
	assert.Error(t, s.Init())
}

func TestContainerShard(t *testing.T) {
	s := newTestServer(t)
	opt := kv.StoreOption{CRCInMeta: true}
	value := []byte("value")

	resp := s.send(containerShard, common.NewPutRequest("k", value, opt, codec.Checksum(value)))
	require.Equal(t, common.MsgTKVPut, resp.MsgType)
	assert.Equal(t, kv.ResultSuccess, resp.Result())

	resp = s.send(containerShard, common.NewPutRequest("k", value, kv.StoreOption{NoOverwrite: true}, 0))
	assert.Equal(t, kv.ResultConflict, resp.Result())

	resp = s.send(containerShard, common.NewGetRequest("k", kv.RetrieveOption{}))
	require.Equal(t, kv.ResultSuccess, resp.Result())
	assert.Equal(t, value, resp.Value)
	assert.Equal(t, codec.Checksum(value), resp.CRC)

	resp = s.send(containerShard, common.NewDeleteRequest("k"))
	assert.Equal(t, kv.ResultSuccess, resp.Result())
	resp = s.send(containerShard, common.NewGetRequest("k", kv.RetrieveOption{}))
	assert.Equal(t, kv.ResultNotFound, resp.Result())

	store, ok := s.Container(containerShard)
	require.True(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestContainerInfo(t *testing.T) {
	s := newTestServer(t)
	resp := s.send(containerShard, common.NewInfoRequest())
	require.Equal(t, common.MsgTInfo, resp.MsgType)
	assert.NotEmpty(t, resp.Meta)
}

func TestUnknownShardAndMessage(t *testing.T) {
	s := newTestServer(t)

	resp := s.send(999, common.NewInfoRequest())
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Contains(t, resp.Err, "not found")

	// lock messages are not served by container shards
	resp = s.send(containerShard, common.NewReleaseRequest("k", uuid.New()))
	assert.Equal(t, common.MsgTError, resp.MsgType)

	// garbage is answered with an error
	var got *common.Message
	s.transport.handler(containerShard, []byte{0xff}, func(b []byte) {
		var m common.Message
		require.NoError(t, s.serializer.Deserialize(b, &m))
		got = &m
	})
	require.NotNil(t, got)
	assert.Equal(t, common.MsgTError, got.MsgType)
}

func lockRequest(key string, owner uuid.UUID, blocking bool) kv.LockRequest {
	return kv.LockRequest{
		Key:   kv.Key(key),
		Owner: owner,
		Option: kv.LockOption{
			Writer:      true,
			Blocking:    blocking,
			Duration:    time.Minute,
			RequestUUID: uuid.New(),
		},
	}
}

func TestLockShardDeferredReply(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()

	resp := s.send(lockShard, common.NewHeartbeatRequest(kv.InstanceInfo{UUID: owner, Host: "h", Port: 1, Created: time.Now()}))
	require.NoError(t, resp.Error())

	holder := lockRequest("k", owner, false)
	resp = s.send(lockShard, common.NewAcquireRequest(holder))
	require.Equal(t, kv.LockGranted, resp.LockResult().Status)

	// a conflicting non-blocking request is denied at once
	resp = s.send(lockShard, common.NewAcquireRequest(lockRequest("k", owner, false)))
	res := resp.LockResult()
	assert.Equal(t, kv.LockDenied, res.Status)
	assert.True(t, errors.Is(res.Err, kv.ErrConflict))

	// a blocking one is answered after the release
	waiter := lockRequest("k", owner, true)
	pending := s.sendAsync(lockShard, common.NewAcquireRequest(waiter))
	select {
	case <-pending:
		t.Fatal("blocked request answered early")
	case <-time.After(50 * time.Millisecond):
	}

	resp = s.send(lockShard, common.NewReleaseRequest("k", holder.Option.RequestUUID))
	require.True(t, resp.Ok)

	select {
	case resp = <-pending:
		res = resp.LockResult()
		assert.Equal(t, kv.LockGranted, res.Status)
		assert.Equal(t, waiter.Option.RequestUUID, res.Request)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked request was never answered")
	}
}

func TestLockShardInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	req := lockRequest("k", uuid.Nil, false)

	resp := s.send(lockShard, common.NewAcquireRequest(req))
	assert.Equal(t, kv.LockDenied, resp.LockResult().Status)
	assert.True(t, errors.Is(resp.Error(), kv.ErrInvalidArgument))
}

func TestCloseCancelsWaiters(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()

	require.Equal(t, kv.LockGranted, s.send(lockShard, common.NewAcquireRequest(lockRequest("k", owner, false))).LockResult().Status)

	var wg sync.WaitGroup
	results := make(chan kv.LockResult, 3)
	for i := 0; i < 3; i++ {
		pending := s.sendAsync(lockShard, common.NewAcquireRequest(lockRequest("k", owner, true)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- (<-pending).LockResult()
		}()
	}

	require.NoError(t, s.Close())
	wg.Wait()
	close(results)
	for res := range results {
		assert.Equal(t, kv.LockDenied, res.Status)
		assert.True(t, errors.Is(res.Err, kv.ErrCancelled))
	}
}
