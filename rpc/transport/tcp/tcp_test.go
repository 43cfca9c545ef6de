package tcp

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer starts a TCP server on a random port and returns its address
func startServer(t *testing.T, workers int, handler transport.ServerHandleFunc) (transport.IRPCServerTransport, string) {
	t.Helper()

	server := NewTCPServerTransport(1024)
	server.RegisterHandler(handler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(common.ServerConfig{
			Endpoint:       "127.0.0.1:0",
			TimeoutSecond:  5,
			WorkersPerConn: workers,
			TCPNoDelay:     true,
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == nil {
		select {
		case err := <-errCh:
			t.Fatalf("listen failed: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, server.Addr().String()
}

func connectClient(t *testing.T, addr string) transport.IRPCClientTransport {
	t.Helper()
	client := NewTCPClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{
		Endpoints:              []string{addr},
		TimeoutSecond:          5,
		RetryCount:             1,
		ConnectionsPerEndpoint: 2,
		TCPNoDelay:             true,
	}))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// echo replies with the shard id followed by the request
func echo(shardId uint64, req []byte, reply transport.ReplyFunc) {
	reply(append([]byte(strconv.FormatUint(shardId, 10)+":"), req...))
}

func TestSend(t *testing.T) {
	_, addr := startServer(t, 4, echo)
	client := connectClient(t, addr)

	resp, err := client.Send(7, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "7:hello", string(resp))

	// empty payloads are valid frames
	resp, err = client.Send(1, nil)
	require.NoError(t, err)
	require.Equal(t, "1:", string(resp))
}

func TestSendLargePayload(t *testing.T) {
	// larger than the pooled server buffer
	_, addr := startServer(t, 1, echo)
	client := connectClient(t, addr)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	resp, err := client.Send(2, payload)
	require.NoError(t, err)
	require.Equal(t, append([]byte("2:"), payload...), resp)
}

func TestSendAsyncConcurrent(t *testing.T) {
	_, addr := startServer(t, 8, echo)
	client := connectClient(t, addr)

	const n = 200
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		err := client.SendAsync(uint64(i), []byte(strconv.Itoa(i)), func(resp []byte, err error) {
			defer wg.Done()
			results[i] = string(resp)
			errs[i] = err
		})
		require.NoError(t, err)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, strconv.Itoa(i)+":"+strconv.Itoa(i), results[i])
	}
}

func TestDeferredReplyDoesNotBlockWorker(t *testing.T) {
	release := make(chan struct{})

	// a single worker: the parked request must not block the second one
	_, addr := startServer(t, 1, func(shardId uint64, req []byte, reply transport.ReplyFunc) {
		if string(req) == "park" {
			go func() {
				<-release
				reply([]byte("released"))
			}()
			return
		}
		echo(shardId, req, reply)
	})
	client := connectClient(t, addr)

	parked := make(chan string, 1)
	require.NoError(t, client.SendAsync(1, []byte("park"), func(resp []byte, err error) {
		assert.NoError(t, err)
		parked <- string(resp)
	}))

	resp, err := client.Send(1, []byte("next"))
	require.NoError(t, err)
	require.Equal(t, "1:next", string(resp))

	close(release)
	select {
	case got := <-parked:
		require.Equal(t, "released", got)
	case <-time.After(5 * time.Second):
		t.Fatal("parked request was never answered")
	}
}

func TestConnectionLostFailsPending(t *testing.T) {
	var mu sync.Mutex
	var replies []transport.ReplyFunc

	server, addr := startServer(t, 2, func(_ uint64, _ []byte, reply transport.ReplyFunc) {
		mu.Lock()
		replies = append(replies, reply) // never answered
		mu.Unlock()
	})
	client := connectClient(t, addr)

	failed := make(chan error, 1)
	require.NoError(t, client.SendAsync(3, []byte("lost"), func(resp []byte, err error) {
		failed <- err
	}))

	// wait until the request reached the server
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())

	select {
	case err := <-failed:
		require.True(t, errors.Is(err, transport.ErrConnectionLost), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}
}

func TestConnectNoEndpoint(t *testing.T) {
	client := NewTCPClientTransport()
	require.Error(t, client.Connect(common.ClientConfig{}))

	// nothing listens here
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	require.Error(t, client.Connect(common.ClientConfig{Endpoints: []string{addr}, TimeoutSecond: 1}))
	require.ErrorIs(t, client.SendAsync(1, nil, func([]byte, error) {}), transport.ErrNoConnection)
}
