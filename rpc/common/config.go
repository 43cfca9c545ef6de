package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeContainer   ServerShardType = "container"
	ShardTypeLockManager ServerShardType = "lock manager"
)

type ServerShard struct {
	// ShardID is the ID of the shard. Container shards use the container hash.
	ShardID uint64
	// Type of the shard
	Type ServerShardType
	// Name of the container (container shards only)
	Name string
	// Capacity of the container in bytes, 0 means unbounded (container shards only)
	Capacity int64
}

// ServerConfig holds all configuration parameters of a target server.
type ServerConfig struct {
	Shards []ServerShard

	// Transport settings
	Endpoint        string
	TimeoutSecond   int64
	WorkersPerConn  int
	TCPNoDelay      bool
	TCPKeepAliveSec int

	// Lock manager shard settings
	LockStaleAfter   time.Duration
	LockReapInterval time.Duration

	// Logging configuration
	LogLevel string
}

// HasLockShard checks if the configuration contains a lock manager shard
func (c *ServerConfig) HasLockShard() bool {
	for _, shard := range c.Shards {
		if shard.Type == ShardTypeLockManager {
			return true
		}
	}
	return false
}

// Validate checks the configuration for missing or conflicting values
func (c *ServerConfig) Validate() error {
	if c.Endpoint == "" {
		return kv.NewError(kv.ResultInvalidArgument, "server endpoint is empty")
	}
	if c.WorkersPerConn <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("workers per connection must be positive, got %d", c.WorkersPerConn))
	}
	if len(c.Shards) == 0 {
		return kv.NewError(kv.ResultInvalidArgument, "no shards configured")
	}
	seen := make(map[uint64]bool, len(c.Shards))
	for _, shard := range c.Shards {
		if seen[shard.ShardID] {
			return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("duplicate shard id %d", shard.ShardID))
		}
		seen[shard.ShardID] = true
		switch shard.Type {
		case ShardTypeContainer:
			if shard.Name == "" {
				return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("container shard %d has no name", shard.ShardID))
			}
		case ShardTypeLockManager:
		default:
			return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("invalid shard type %q", shard.Type))
		}
	}
	if c.HasLockShard() && (c.LockStaleAfter <= 0 || c.LockReapInterval <= 0) {
		return kv.NewError(kv.ResultInvalidArgument, "lock shard requires a stale threshold and a reap interval")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.WorkersPerConn))
	addField("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Shards")
	for _, shard := range c.Shards {
		desc := string(shard.Type)
		if shard.Type == ShardTypeContainer {
			desc = fmt.Sprintf("%s %q", shard.Type, shard.Name)
			if shard.Capacity > 0 {
				desc += fmt.Sprintf(" (%d bytes)", shard.Capacity)
			}
		}
		addField(strconv.FormatUint(shard.ShardID, 10), desc)
	}

	if c.HasLockShard() {
		addSection("Lock Manager")
		addField("Stale After", c.LockStaleAfter.String())
		addField("Reap Interval", c.LockReapInterval.String())
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
	TCPKeepAliveSec        int
}

// Timeout returns the request timeout, 0 means no timeout
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// WithEndpoints returns a copy of the configuration for the given endpoints
func (c ClientConfig) WithEndpoints(endpoints ...string) ClientConfig {
	c.Endpoints = endpoints
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// PathEndpoint returns the dial address of a container transport for the
// given network. Unix sockets are addressed by the transport address alone.
func PathEndpoint(network string, t kv.ContainerTransport) string {
	switch network {
	case "unix":
		return t.Address
	case "http":
		return "http://" + t.Endpoint()
	default:
		return t.Endpoint()
	}
}
