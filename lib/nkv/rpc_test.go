package nkv

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/serializer"
	"github.com/ValentinKolb/nKV/rpc/server"
	"github.com/ValentinKolb/nKV/rpc/transport/tcp"
	"github.com/stretchr/testify/require"
)

const (
	targetContainer = 9001
	targetLockShard = 1
	testKeyHex      = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

// startTarget runs a target with one container shard and a lock manager shard
func startTarget(t *testing.T) (string, int32) {
	t.Helper()
	s := server.NewRPCServer(common.ServerConfig{
		Shards: []common.ServerShard{
			{ShardID: targetContainer, Type: common.ShardTypeContainer, Name: "remote"},
			{ShardID: targetLockShard, Type: common.ShardTypeLockManager},
		},
		Endpoint:         "127.0.0.1:0",
		TimeoutSecond:    5,
		WorkersPerConn:   4,
		LockStaleAfter:   time.Second,
		LockReapInterval: 100 * time.Millisecond,
		LogLevel:         "error",
	}, tcp.NewTCPDefaultServerTransport(), serializer.NewBinarySerializer())

	go func() { _ = s.Serve() }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })

	host, port, err := net.SplitHostPort(s.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, int32(p)
}

func remoteConfig(host string, port int32) Config {
	endpoint := net.JoinHostPort(host, strconv.Itoa(int(port)))
	return Config{
		Containers: []kv.Container{{
			Hash:       targetContainer,
			Name:       "remote",
			Transports: []kv.ContainerTransport{{Address: host, Port: port, Status: kv.PathUp}},
		}},
		KeySpaces: map[int32]uint64{testKeySpace: targetContainer},
		Dispatch:  aio.Config{Workers: 4, MaxBatch: 16, FlushDelay: time.Millisecond},
		Transport: common.ClientConfig{
			TimeoutSecond:          5,
			RetryCount:             2,
			ConnectionsPerEndpoint: 1,
			TCPNoDelay:             true,
		},
		Network:           "tcp",
		Serializer:        "binary",
		EncryptionKey:     testKeyHex,
		HeartbeatInterval: 50 * time.Millisecond,
		RecheckInterval:   20 * time.Millisecond,
		Lock: LockConfig{
			Endpoints:  []string{endpoint},
			ShardID:    targetLockShard,
			StaleAfter: time.Second,
		},
	}
}

func TestRemoteTarget(t *testing.T) {
	host, port := startTarget(t)
	c, s := openTestClient(t, remoteConfig(host, port))

	value := []byte("a value that is compressed and encrypted on its way to the target")
	put := &kv.Operation{
		OpCode: kv.OpPut,
		Key:    kv.Key("remote-key"),
		Value:  kv.NewValue(value),
		Store:  kv.StoreOption{Compressed: true, Encrypted: true, CRCInMeta: true},
	}
	_, err := c.Submit(put, kv.IOContext{KeySpaceID: testKeySpace})
	require.NoError(t, err)
	s.waitFor(t, 1)
	require.Equal(t, kv.ResultSuccess, put.Result)

	get := &kv.Operation{
		OpCode:   kv.OpGet,
		Key:      kv.Key("remote-key"),
		Value:    kv.NewValue(make([]byte, 256)),
		Retrieve: kv.RetrieveOption{Decompress: true, Decrypt: true, CompareCRC: true},
	}
	_, err = c.Submit(get, kv.IOContext{KeySpaceID: testKeySpace})
	require.NoError(t, err)
	s.waitFor(t, 2)
	require.Equal(t, kv.ResultSuccess, get.Result)
	require.Equal(t, value, get.Value.Bytes())

	containers, err := c.ListContainers(kv.MgmtContext{})
	require.NoError(t, err)
	path := containers[0].Transports[0]
	info, err := c.ContainerInfo(kv.MgmtContext{PassThrough: true, PathHash: path.PathHash})
	require.NoError(t, err)
	require.Equal(t, "remote", info.Name)
}

func TestRemoteLocks(t *testing.T) {
	host, port := startTarget(t)
	a, _ := openTestClient(t, remoteConfig(host, port))
	b, _ := openTestClient(t, remoteConfig(host, port))
	key := kv.Key("shared")

	held, err := a.AcquireLock(context.Background(), key, kv.LockOption{Writer: true, Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, kv.LockGranted, held.Status)

	denied, err := b.AcquireLock(context.Background(), key, kv.LockOption{Writer: true, Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, kv.LockDenied, denied.Status)

	granted := make(chan kv.LockResult, 1)
	require.NoError(t, b.AcquireLockAsync(key, kv.LockOption{Writer: true, Blocking: true, Duration: time.Minute}, func(res kv.LockResult, _ error) {
		granted <- res
	}))

	ok, err := a.ReleaseLock(key, held.Request)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case res := <-granted:
		require.Equal(t, kv.LockGranted, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting client was not granted the lock")
	}

	require.Eventually(t, func() bool {
		return sample(t, a, "heartbeat.sent").Value >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NotZero(t, a.Instance().LastHBDuration)
}

func TestRecheckRestoresPath(t *testing.T) {
	host, port := startTarget(t)
	c, _ := openTestClient(t, remoteConfig(host, port))

	containers, err := c.ListContainers(kv.MgmtContext{})
	require.NoError(t, err)
	ctx := kv.MgmtContext{PassThrough: true, PathHash: containers[0].Transports[0].PathHash}

	require.NoError(t, c.SetPathStatus(ctx, kv.PathDown))
	require.Eventually(t, func() bool {
		list, err := c.ListContainers(kv.MgmtContext{})
		return err == nil && list[0].Transports[0].Status == kv.PathUp
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, sample(t, c, "paths.down").Value)
}
