package nkv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/lib/stats"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContainer = 0xBEEF
	testKeySpace  = 7
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// memoryIssuer serves operations from a map instead of a target
type memoryIssuer struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryIssuer() *memoryIssuer {
	return &memoryIssuer{values: make(map[string][]byte)}
}

func (m *memoryIssuer) Issue(_ *registry.Transport, id uint64, op *kv.Operation, sink aio.ISignalSink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch op.OpCode {
	case kv.OpPut:
		m.values[string(op.Key)] = append([]byte(nil), op.Payload()...)
		sink.Signal(aio.Signal{RequestID: id, Result: kv.ResultSuccess, BytesTransferred: op.Value.Length})
	case kv.OpGet:
		v, ok := m.values[string(op.Key)]
		if !ok {
			sink.Signal(aio.Signal{RequestID: id, Result: kv.ResultNotFound})
			return
		}
		sink.Signal(aio.Signal{RequestID: id, Result: kv.ResultSuccess, Payload: v})
	case kv.OpDelete:
		delete(m.values, string(op.Key))
		sink.Signal(aio.Signal{RequestID: id, Result: kv.ResultSuccess})
	}
}

// sink collects completed operations
type sink struct {
	mu  sync.Mutex
	ops []*kv.Operation
	tag any
}

func (s *sink) callback(b aio.CompletionBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, b.Ops...)
	s.tag = b.Tag1
}

func (s *sink) waitFor(t *testing.T, n int) []*kv.Operation {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.ops) >= n
	}, 2*time.Second, time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*kv.Operation(nil), s.ops...)
}

func testConfig() Config {
	return Config{
		Containers: []kv.Container{{
			Hash: testContainer,
			Name: "test",
			Transports: []kv.ContainerTransport{
				{Address: "10.0.0.1", Port: 4000, Status: kv.PathUp},
				{Address: "10.0.0.2", Port: 4000, Status: kv.PathUp},
			},
		}},
		KeySpaces:         map[int32]uint64{testKeySpace: testContainer},
		Features:          kv.FeatureList{NICLoadBalance: true, NICLoadBalancePolicy: kv.PolicyRoundRobin},
		Dispatch:          aio.Config{Workers: 2, MaxBatch: 8, FlushDelay: time.Millisecond},
		Network:           "tcp",
		Serializer:        "binary",
		HeartbeatInterval: 20 * time.Millisecond,
		Lock: LockConfig{
			StaleAfter:   time.Second,
			ReapInterval: 50 * time.Millisecond,
		},
	}
}

func openTestClient(t *testing.T, cfg Config, opts ...Option) (*Client, *sink) {
	t.Helper()
	c, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s := &sink{}
	require.NoError(t, c.RegisterCompletionCallback(s.callback, "tag", nil))
	return c, s
}

func sample(t *testing.T, c *Client, name string) stats.Sample {
	t.Helper()
	for _, s := range c.Stats() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stat %s not found", name)
	return stats.Sample{}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 0
	_, err := Open(cfg)
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	cfg = testConfig()
	cfg.HeartbeatInterval = 2 * time.Second
	_, err = Open(cfg)
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "heartbeat slower than the stale threshold")

	cfg = testConfig()
	cfg.Dispatch.Workers = 0
	_, err = Open(cfg)
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	cfg = testConfig()
	cfg.Serializer = "xml"
	_, err = Open(cfg)
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	cfg = testConfig()
	cfg.EncryptionKey = "not hex"
	_, err = Open(cfg)
	require.Error(t, err)
}

func TestSubmitRoundTrip(t *testing.T) {
	c, s := openTestClient(t, testConfig(), WithIssuer(newMemoryIssuer()))

	put := &kv.Operation{OpCode: kv.OpPut, Key: kv.Key("k1"), Value: kv.NewValue([]byte("hello")), Tag1: "put"}
	_, err := c.Submit(put, kv.IOContext{KeySpaceID: testKeySpace})
	require.NoError(t, err)
	s.waitFor(t, 1)

	buf := make([]byte, 32)
	get := &kv.Operation{OpCode: kv.OpGet, Key: kv.Key("k1"), Value: kv.NewValue(buf), Tag1: "get"}
	_, err = c.Submit(get, kv.IOContext{PassThrough: true, ContainerHash: testContainer})
	require.NoError(t, err)

	ops := s.waitFor(t, 2)
	require.Equal(t, kv.ResultSuccess, ops[0].Result)
	require.Equal(t, kv.ResultSuccess, ops[1].Result)
	require.Equal(t, "hello", string(get.Value.Bytes()))
	require.Equal(t, "tag", s.tag)

	require.Equal(t, float64(2), sample(t, c, "ops.submitted").Value)
	require.Equal(t, float64(2), sample(t, c, "ops.completed").Value)
	require.Equal(t, float64(10), sample(t, c, "ops.bytes").Value)
}

func TestSubmitErrors(t *testing.T) {
	c, s := openTestClient(t, testConfig(), WithIssuer(newMemoryIssuer()))

	_, err := c.Submit(&kv.Operation{OpCode: kv.OpPut, Key: kv.Key("k"), Value: kv.NewValue([]byte("v"))}, kv.IOContext{KeySpaceID: 99})
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	_, err = c.Submit(&kv.Operation{OpCode: kv.OpGet, Key: kv.Key("k")}, kv.IOContext{KeySpaceID: testKeySpace})
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	get := &kv.Operation{OpCode: kv.OpGet, Key: kv.Key("missing"), Value: kv.NewValue(make([]byte, 4))}
	_, err = c.Submit(get, kv.IOContext{KeySpaceID: testKeySpace})
	require.NoError(t, err)
	s.waitFor(t, 1)
	require.Equal(t, kv.ResultNotFound, get.Result)

	require.Equal(t, float64(2), sample(t, c, "ops.rejected").Value)
	require.Equal(t, float64(1), sample(t, c, "ops.failed").Value)
}

func TestPathStatus(t *testing.T) {
	c, _ := openTestClient(t, testConfig(), WithIssuer(newMemoryIssuer()))

	containers, err := c.ListContainers(kv.MgmtContext{})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	require.Len(t, containers[0].Transports, 2)

	for _, p := range containers[0].Transports {
		require.NoError(t, c.SetPathStatus(kv.MgmtContext{PassThrough: true, PathHash: p.PathHash}, kv.PathDown))
	}
	require.Equal(t, float64(2), sample(t, c, "paths.down").Value)

	op := &kv.Operation{OpCode: kv.OpPut, Key: kv.Key("k"), Value: kv.NewValue([]byte("v"))}
	_, err = c.Submit(op, kv.IOContext{KeySpaceID: testKeySpace})
	require.ErrorIs(t, err, kv.ErrNoHealthyPath)

	first := containers[0].Transports[0]
	require.NoError(t, c.SetPathStatus(kv.MgmtContext{PassThrough: true, PathHash: first.PathHash}, kv.PathUp))
	require.Equal(t, float64(1), sample(t, c, "paths.down").Value)

	narrowed, err := c.ListContainers(kv.MgmtContext{PassThrough: true, ContainerHash: testContainer, PathHash: first.PathHash})
	require.NoError(t, err)
	require.Len(t, narrowed[0].Transports, 1)
	require.Equal(t, kv.PathUp, narrowed[0].Transports[0].Status)

	err = c.SetPathStatus(kv.MgmtContext{PassThrough: true, PathHash: 1}, kv.PathDown)
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
	err = c.SetPathStatus(kv.MgmtContext{PathHash: first.PathHash}, kv.PathDown)
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
	_, err = c.ListContainers(kv.MgmtContext{PassThrough: true, ContainerHash: 1})
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
	_, err = c.ContainerInfo(kv.MgmtContext{PassThrough: true, PathHash: first.PathHash})
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "custom issuer has no container info")
}

func TestLocalLocks(t *testing.T) {
	c, _ := openTestClient(t, testConfig(), WithIssuer(newMemoryIssuer()))
	key := kv.Key("object")

	held, err := c.AcquireLock(context.Background(), key, kv.LockOption{Writer: true, Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, kv.LockGranted, held.Status)
	require.NotEqual(t, uuid.Nil, held.Request)

	denied, err := c.AcquireLock(context.Background(), key, kv.LockOption{Duration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, kv.LockDenied, denied.Status)
	require.ErrorIs(t, denied.Err, kv.ErrConflict)

	granted := make(chan kv.LockResult, 1)
	require.NoError(t, c.AcquireLockAsync(key, kv.LockOption{Blocking: true, Duration: time.Minute}, func(res kv.LockResult, err error) {
		assert.NoError(t, err)
		granted <- res
	}))

	released, err := c.ReleaseLock(key, held.Request)
	require.NoError(t, err)
	require.True(t, released)

	select {
	case res := <-granted:
		require.Equal(t, kv.LockGranted, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked lock was not granted after release")
	}

	require.Equal(t, float64(2), sample(t, c, "locks.granted").Value)
	require.Equal(t, float64(1), sample(t, c, "locks.denied").Value)

	_, err = c.AcquireLock(context.Background(), key, kv.LockOption{})
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "zero duration")
	require.ErrorIs(t, c.AcquireLockAsync(key, kv.LockOption{Duration: time.Second}, nil), kv.ErrInvalidArgument)
}

func TestCloseCancelsLockWaits(t *testing.T) {
	c, err := Open(testConfig(), WithIssuer(newMemoryIssuer()))
	require.NoError(t, err)
	key := kv.Key("object")

	_, err = c.AcquireLock(context.Background(), key, kv.LockOption{Writer: true, Duration: time.Minute})
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, c.AcquireLockAsync(key, kv.LockOption{Writer: true, Blocking: true, Duration: time.Minute}, func(res kv.LockResult, err error) {
		assert.Equal(t, kv.LockDenied, res.Status)
		done <- err
	}))

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, kv.ErrCancelled), "unexpected error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock wait survived Close")
	}

	_, err = c.Submit(&kv.Operation{OpCode: kv.OpDelete, Key: kv.Key("k")}, kv.IOContext{KeySpaceID: testKeySpace})
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.AcquireLock(context.Background(), key, kv.LockOption{Duration: time.Second})
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close())
}

func TestInstanceHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "client-1"
	cfg.Port = 7000
	c, _ := openTestClient(t, cfg, WithIssuer(newMemoryIssuer()))

	info := c.Instance()
	require.Equal(t, "client-1", info.Host)
	require.Equal(t, uint32(7000), info.Port)
	require.NotEqual(t, uuid.Nil, info.UUID)
	require.False(t, info.Created.IsZero())

	require.Eventually(t, func() bool {
		return sample(t, c, "heartbeat.sent").Value >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, sample(t, c, "heartbeat.failed").Value)
}

func TestGetPathStats(t *testing.T) {
	c, _ := openTestClient(t, testConfig(), WithIssuer(newMemoryIssuer()))

	st, err := c.GetPathStats(t.TempDir())
	require.NoError(t, err)
	require.NotZero(t, st.CapacityBytes)
	require.LessOrEqual(t, st.UtilizationPercent, 100.0)

	_, err = c.GetPathStats("")
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
}
