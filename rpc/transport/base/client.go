package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/ValentinKolb/nKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection
type clientConnection struct {
	endpoint string
	parent   *clientTransport
	pending  *xsync.MapOf[uint64, transport.ResponseFunc]

	writeMu sync.Mutex // guards conn writes and swaps
	conn    net.Conn

	broken atomic.Bool // set while the connection is down
	closed atomic.Bool
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connectionsMu sync.RWMutex
	connections   []*clientConnection
	nextConnIndex atomic.Uint64
	nextRequestID atomic.Uint64
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()

	t.config = config
	t.stopping.Store(false)

	connectionsPerEP := max(1, config.ConnectionsPerEndpoint)
	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, transport.ResponseFunc](),
			}

			conn, err := clientConn.reconnect()
			if err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connections = append(connections, clientConn)
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)

			go clientConn.readResponses(conn)
		}
	}

	if len(connections) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport",
		len(connections), len(config.Endpoints)*connectionsPerEP, len(config.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) SendAsync(shardId uint64, req []byte, done transport.ResponseFunc) error {
	_, _, err := t.sendAsync(shardId, req, done)
	return err
}

func (t *clientTransport) Send(shardId uint64, req []byte) (resp []byte, err error) {
	maxRetries := max(1, t.config.RetryCount)

	// Initial backoff duration in milliseconds
	backoffMs := 50

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		data, err := t.sendOnce(shardId, req)
		if err == nil {
			return data, nil
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sendAsync registers done and writes the request frame.
// If the write fails but the reader already failed the request, the error is
// swallowed because done was called.
func (t *clientTransport) sendAsync(shardId uint64, req []byte, done transport.ResponseFunc) (*clientConnection, uint64, error) {
	if t.stopping.Load() {
		return nil, 0, transport.ErrConnectionLost
	}
	conn := t.getNextConnection()
	if conn == nil {
		return nil, 0, transport.ErrNoConnection
	}

	requestID := t.nextRequestID.Add(1)
	conn.pending.Store(requestID, done)

	if err := conn.write(shardId, requestID, req); err != nil {
		if _, ok := conn.pending.LoadAndDelete(requestID); ok {
			return nil, 0, err
		}
	}
	return conn, requestID, nil
}

// sendOnce sends a request and waits for its response or the configured timeout
func (t *clientTransport) sendOnce(shardId uint64, req []byte) ([]byte, error) {
	respCh := make(chan responseResult, 1)
	conn, requestID, err := t.sendAsync(shardId, req, func(resp []byte, err error) {
		respCh <- responseResult{resp, err}
	})
	if err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout := t.config.Timeout(); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-timeoutCh:
		conn.pending.Delete(requestID)
		return nil, fmt.Errorf("request timed out")
	}
}

// getNextConnection selects the next healthy connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}
	start := t.nextConnIndex.Add(1)
	for i := uint64(0); i < n; i++ {
		conn := t.connections[(start+i)%n]
		if !conn.broken.Load() {
			return conn
		}
	}
	return nil
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, conn := range connections {
		conn.close()
	}
}

// write writes one request frame
func (c *clientConnection) write(shardId, requestID uint64, req []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil || c.broken.Load() {
		return transport.ErrConnectionLost
	}
	if timeout := c.parent.config.Timeout(); timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if err := writeFrame(c.conn, shardId, requestID, req); err != nil {
		// a partial frame corrupts the stream, let the reader reconnect
		c.conn.Close()
		return err
	}
	return nil
}

// readResponses reads responses in a loop and hands them to the waiting requests.
// When the connection breaks, all pending requests fail and the connection
// is re-established once.
func (c *clientConnection) readResponses(conn net.Conn) {
	for {
		shardID, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			c.broken.Store(true)
			c.failPending(err)

			if c.parent.stopping.Load() || c.closed.Load() {
				return
			}
			Logger.Warningf("Connection to %s lost: %v", c.endpoint, err)

			if conn, err = c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.endpoint, err)
				return
			}
			Logger.Infof("Reconnected to %s", c.endpoint)
			continue
		}

		if done, ok := c.pending.LoadAndDelete(requestID); ok {
			done(data, nil)
		} else {
			Logger.Warningf("Received response for unknown request ID %d with shard ID %d", requestID, shardID)
		}
	}
}

// failPending fails all requests waiting on this connection
func (c *clientConnection) failPending(cause error) {
	err := fmt.Errorf("%w: %v", transport.ErrConnectionLost, cause)
	c.pending.Range(func(requestID uint64, _ transport.ResponseFunc) bool {
		if done, ok := c.pending.LoadAndDelete(requestID); ok {
			done(nil, err)
		}
		return true
	})
}

// reconnect establishes or restores the connection to the endpoint
func (c *clientConnection) reconnect() (net.Conn, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	conn, err := c.parent.connector.Connect(c.endpoint, c.parent.config.Timeout())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", c.endpoint, err)
	}

	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", c.endpoint, err)
	}

	c.conn = conn
	c.broken.Store(false)
	return conn, nil
}

// close closes the connection, the reader fails the pending requests and exits
func (c *clientConnection) close() {
	c.closed.Store(true)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
