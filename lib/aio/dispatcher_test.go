package aio

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/lib/selector"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/stretchr/testify/require"
)

const testContainer = 0xC0FFEE

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// issueFunc adapts a function to IPathIssuer
type issueFunc func(path *registry.Transport, id uint64, op *kv.Operation, sink ISignalSink)

func (f issueFunc) Issue(path *registry.Transport, id uint64, op *kv.Operation, sink ISignalSink) {
	f(path, id, op, sink)
}

// succeed completes every request successfully, twice to exercise duplicate handling
var succeed = issueFunc(func(_ *registry.Transport, id uint64, op *kv.Operation, sink ISignalSink) {
	sink.Signal(Signal{RequestID: id, Result: kv.ResultSuccess, BytesTransferred: op.Value.Length})
	sink.Signal(Signal{RequestID: id, Result: kv.ResultSuccess})
})

// collector records completion batches
type collector struct {
	mu      sync.Mutex
	batches []CompletionBatch
	ops     []*kv.Operation
}

func (c *collector) callback(b CompletionBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	c.ops = append(c.ops, b.Ops...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func (c *collector) waitFor(t *testing.T, n int) []*kv.Operation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d completions, got %d", n, c.count())
		}
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*kv.Operation, len(c.ops))
	copy(out, c.ops)
	return out
}

type testEnv struct {
	reg   *registry.Registry
	d     *Dispatcher
	col   *collector
	paths []*registry.Transport
}

func newTestEnv(t *testing.T, cfg Config, issuer IPathIssuer, deps ...func(*Deps)) *testEnv {
	t.Helper()
	reg := registry.New()

	var paths []*registry.Transport
	for i := 0; i < 3; i++ {
		p, err := reg.Register(testContainer, kv.ContainerTransport{
			Address: "10.1.0.1",
			Port:    int32(1030 + i),
			Status:  kv.PathUp,
		})
		require.NoError(t, err)
		paths = append(paths, p)
	}

	d := Deps{
		Registry: reg,
		Selector: selector.New(reg, kv.FeatureList{NICLoadBalance: true, NICLoadBalancePolicy: kv.PolicyRoundRobin}, 0),
		Issuer:   issuer,
	}
	for _, f := range deps {
		f(&d)
	}

	dispatcher, err := NewDispatcher(cfg, d)
	require.NoError(t, err)

	col := &collector{}
	require.NoError(t, dispatcher.Completions().RegisterCallback(col.callback, "t1", "t2"))
	dispatcher.Start()
	t.Cleanup(dispatcher.Close)

	return &testEnv{reg: reg, d: dispatcher, col: col, paths: paths}
}

func passThrough() kv.IOContext {
	return kv.IOContext{PassThrough: true, ContainerHash: testContainer}
}

func putOp(key string, tag int) *kv.Operation {
	return &kv.Operation{
		OpCode: kv.OpPut,
		Key:    kv.Key(key),
		Value:  kv.NewValue([]byte("value-" + key)),
		Tag1:   tag,
	}
}

func defaultConfig() Config {
	return Config{Workers: 4, MaxBatch: 16, FlushDelay: 5 * time.Millisecond}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestEverySubmissionCompletesExactlyOnce(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), succeed)

	const producers = 8
	const perProducer = 250
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				tag := p*perProducer + i
				if _, err := env.d.Submit(putOp(fmt.Sprintf("k-%d", tag), tag), passThrough()); err != nil {
					t.Errorf("submit %d failed: %v", tag, err)
				}
			}
		}(p)
	}
	wg.Wait()

	ops := env.col.waitFor(t, total)

	// give stray duplicates a chance to show up
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, total, env.col.count(), "duplicate completions delivered")

	seen := make(map[int]bool, total)
	for _, op := range ops {
		tag := op.Tag1.(int)
		require.False(t, seen[tag], "tag %d completed twice", tag)
		seen[tag] = true
		require.Equal(t, kv.ResultSuccess, op.Result)
	}
	require.Len(t, seen, total)
	require.Zero(t, env.d.InFlight())

	for _, p := range env.paths {
		require.Zero(t, p.QueueDepth(), "queue depth of %s", p)
		require.Zero(t, p.QueueSize(), "queue size of %s", p)
	}
}

func TestBatchesCarryTagsAndRespectMaxBatch(t *testing.T) {
	cfg := Config{Workers: 1, MaxBatch: 4, FlushDelay: 20 * time.Millisecond}
	env := newTestEnv(t, cfg, succeed)

	for i := 0; i < 10; i++ {
		_, err := env.d.Submit(putOp(fmt.Sprintf("k-%d", i), i), passThrough())
		require.NoError(t, err)
	}
	env.col.waitFor(t, 10)

	env.col.mu.Lock()
	defer env.col.mu.Unlock()
	total := 0
	for _, b := range env.col.batches {
		require.LessOrEqual(t, b.Count, 4)
		require.Equal(t, len(b.Ops), b.Count)
		require.Equal(t, "t1", b.Tag1)
		require.Equal(t, "t2", b.Tag2)
		total += b.Count
	}
	require.Equal(t, 10, total)
}

func TestFlushDelayDeliversPartialBatch(t *testing.T) {
	cfg := Config{Workers: 1, MaxBatch: 1000, FlushDelay: 10 * time.Millisecond}
	env := newTestEnv(t, cfg, succeed)

	_, err := env.d.Submit(putOp("single", 1), passThrough())
	require.NoError(t, err)

	ops := env.col.waitFor(t, 1)
	require.Equal(t, 1, ops[0].Tag1)
}

func TestCancelRace(t *testing.T) {
	issued := make(chan uint64, 4)
	release := make(chan struct{})
	blocking := issueFunc(func(_ *registry.Transport, id uint64, _ *kv.Operation, sink ISignalSink) {
		issued <- id
		<-release
		sink.Signal(Signal{RequestID: id, Result: kv.ResultSuccess})
	})

	// a single worker, so the second request stays pending while the first is issued
	env := newTestEnv(t, Config{Workers: 1, MaxBatch: 1, FlushDelay: 0}, blocking)

	first, err := env.d.Submit(putOp("first", 1), passThrough())
	require.NoError(t, err)
	second, err := env.d.Submit(putOp("second", 2), passThrough())
	require.NoError(t, err)

	select {
	case id := <-issued:
		require.Equal(t, uint64(first), id)
	case <-time.After(time.Second):
		t.Fatal("first request was not issued")
	}

	require.False(t, env.d.Cancel(first), "cancel of an issued request must fail")
	require.True(t, env.d.Cancel(second), "cancel of a pending request must succeed")
	require.False(t, env.d.Cancel(second), "second cancel must fail")

	close(release)

	ops := env.col.waitFor(t, 2)
	results := map[int]kv.Result{}
	for _, op := range ops {
		results[op.Tag1.(int)] = op.Result
	}
	require.Equal(t, kv.ResultSuccess, results[1])
	require.Equal(t, kv.ResultCancelled, results[2])

	select {
	case id := <-issued:
		t.Fatalf("cancelled request %d was issued", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGetReportsTruncation(t *testing.T) {
	stored := []byte("0123456789abcdef")
	get := issueFunc(func(_ *registry.Transport, id uint64, op *kv.Operation, sink ISignalSink) {
		sink.Signal(Signal{RequestID: id, Result: kv.ResultSuccess, Payload: stored, BytesTransferred: uint64(len(stored))})
	})
	env := newTestEnv(t, defaultConfig(), get)

	small := &kv.Operation{OpCode: kv.OpGet, Key: kv.Key("k"), Value: kv.Value{Buf: make([]byte, 8)}, Tag1: "small"}
	large := &kv.Operation{OpCode: kv.OpGet, Key: kv.Key("k"), Value: kv.Value{Buf: make([]byte, 32)}, Tag1: "large"}

	_, err := env.d.Submit(small, passThrough())
	require.NoError(t, err)
	_, err = env.d.Submit(large, passThrough())
	require.NoError(t, err)
	env.col.waitFor(t, 2)

	require.Equal(t, kv.ResultTruncated, small.Result)
	require.Equal(t, uint64(len(stored)), small.Value.ActualLength)
	require.Equal(t, stored[:8], small.Value.Bytes())

	require.Equal(t, kv.ResultSuccess, large.Result)
	require.Equal(t, uint64(len(stored)), large.Value.ActualLength)
	require.Equal(t, stored, large.Value.Bytes())
}

func TestGetOfEmptyValueHidesOldBuffer(t *testing.T) {
	get := issueFunc(func(_ *registry.Transport, id uint64, _ *kv.Operation, sink ISignalSink) {
		sink.Signal(Signal{RequestID: id, Result: kv.ResultSuccess, Payload: []byte{}})
	})
	env := newTestEnv(t, defaultConfig(), get)

	op := &kv.Operation{OpCode: kv.OpGet, Key: kv.Key("empty"), Value: kv.NewValue([]byte("leftover"))}
	_, err := env.d.Submit(op, passThrough())
	require.NoError(t, err)
	env.col.waitFor(t, 1)

	require.Equal(t, kv.ResultSuccess, op.Result)
	require.Zero(t, op.Value.ActualLength)
	require.Empty(t, op.Value.Bytes())
}

func TestPathDownFailsIssuedRequests(t *testing.T) {
	var mu sync.Mutex
	issuedOn := map[uint64]*registry.Transport{}
	silent := issueFunc(func(path *registry.Transport, id uint64, _ *kv.Operation, _ ISignalSink) {
		mu.Lock()
		issuedOn[id] = path
		mu.Unlock()
	})
	env := newTestEnv(t, defaultConfig(), silent)

	target := env.paths[0]
	for i := 0; i < 6; i++ {
		_, err := env.d.Submit(putOp(fmt.Sprintf("k-%d", i), i), passThrough())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(issuedOn) == 6
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(2), target.QueueDepth())

	require.NoError(t, env.reg.UpdateStatus(target.Hash(), kv.PathDown))

	ops := env.col.waitFor(t, 2)
	for _, op := range ops {
		require.Equal(t, kv.ResultTransportFailure, op.Result)
	}
	require.Zero(t, target.QueueDepth())
	require.Equal(t, 4, env.d.InFlight())

	// new submissions avoid the down path
	for i := 0; i < 4; i++ {
		_, err := env.d.Submit(putOp("again", 100+i), passThrough())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(issuedOn) == 10
	}, time.Second, time.Millisecond)
	require.Zero(t, target.QueueDepth())
}

func TestIOTimeout(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	issued := make(chan uint64, 1)
	silent := issueFunc(func(_ *registry.Transport, id uint64, _ *kv.Operation, _ ISignalSink) {
		issued <- id
	})

	cfg := defaultConfig()
	cfg.IOTimeout = time.Second
	env := newTestEnv(t, cfg, silent, func(d *Deps) { d.Clock = clock })

	_, err := env.d.Submit(putOp("slow", 1), passThrough())
	require.NoError(t, err)

	select {
	case <-issued:
	case <-time.After(time.Second):
		t.Fatal("request was not issued")
	}

	clock.Advance(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, env.col.count(), "request timed out too early")

	clock.Advance(time.Second)
	ops := env.col.waitFor(t, 1)
	require.Equal(t, kv.ResultTimeout, ops[0].Result)
}

func TestCloseFailsOutstandingRequests(t *testing.T) {
	silent := issueFunc(func(*registry.Transport, uint64, *kv.Operation, ISignalSink) {})
	env := newTestEnv(t, defaultConfig(), silent)

	for i := 0; i < 3; i++ {
		_, err := env.d.Submit(putOp(fmt.Sprintf("k-%d", i), i), passThrough())
		require.NoError(t, err)
	}
	env.d.Close()

	require.Equal(t, 3, env.col.count())
	for _, op := range env.col.ops {
		require.Contains(t, []kv.Result{kv.ResultTransportFailure, kv.ResultCancelled}, op.Result)
	}
	require.Zero(t, env.d.InFlight())

	_, err := env.d.Submit(putOp("late", 9), passThrough())
	require.ErrorIs(t, err, ErrClosed)
}

type staticResolver map[int32]uint64

func (r staticResolver) ResolveKeySpace(id int32) (uint64, error) {
	if h, ok := r[id]; ok {
		return h, nil
	}
	return 0, errors.New("unknown key space")
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), succeed, func(d *Deps) {
		d.Resolver = staticResolver{7: testContainer}
	})

	_, err := env.d.Submit(&kv.Operation{OpCode: kv.OpPut}, passThrough())
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "empty key")

	_, err = env.d.Submit(&kv.Operation{OpCode: kv.OpGet, Key: kv.Key("k")}, passThrough())
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "get without buffer")

	appendEncrypted := putOp("k", 0)
	appendEncrypted.Store = kv.StoreOption{Append: true, Encrypted: true}
	_, err = env.d.Submit(appendEncrypted, passThrough())
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "append to an encrypted value")

	_, err = env.d.Submit(putOp("k", 0), kv.IOContext{PassThrough: true, ContainerHash: 1})
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "unknown container")

	_, err = env.d.Submit(putOp("k", 0), kv.IOContext{KeySpaceID: 3})
	require.ErrorIs(t, err, kv.ErrInvalidArgument, "unknown key space")

	_, err = env.d.Submit(putOp("k", 0), kv.IOContext{KeySpaceID: 7})
	require.NoError(t, err, "resolved key space")

	for _, p := range env.paths {
		require.NoError(t, env.reg.UpdateStatus(p.Hash(), kv.PathDown))
	}
	op := putOp("k", 0)
	_, err = env.d.Submit(op, passThrough())
	require.ErrorIs(t, err, kv.ErrNoHealthyPath)
	require.Equal(t, kv.ResultNoHealthyPath, op.Result)
}

func TestSubmitRequiresCallback(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(testContainer, kv.ContainerTransport{Address: "10.1.0.1", Port: 1030, Status: kv.PathUp})
	require.NoError(t, err)

	d, err := NewDispatcher(defaultConfig(), Deps{
		Registry: reg,
		Selector: selector.New(reg, kv.FeatureList{}, 0),
		Issuer:   succeed,
	})
	require.NoError(t, err)
	d.Start()
	defer d.Close()

	_, err = d.Submit(putOp("k", 0), passThrough())
	require.ErrorIs(t, err, kv.ErrInvalidArgument)

	_, err = NewDispatcher(Config{}, Deps{})
	require.ErrorIs(t, err, kv.ErrInvalidArgument)
}
