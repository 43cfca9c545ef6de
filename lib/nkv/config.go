package nkv

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/nKV/lib/aio"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/prometheus/client_golang/prometheus"
)

// LockConfig selects the lock manager of a client.
type LockConfig struct {
	// Endpoints of the lock server. Empty runs an in-process lock manager.
	Endpoints []string
	// ShardID of the lock manager shard on the lock server.
	ShardID uint64
	// StaleAfter and ReapInterval configure the in-process lock manager.
	StaleAfter   time.Duration
	ReapInterval time.Duration
}

// Remote reports whether locks are served by a lock server.
func (c LockConfig) Remote() bool {
	return len(c.Endpoints) > 0
}

// Config holds all parameters of a client. Nothing has a default.
type Config struct {
	// Containers are registered at Open.
	Containers []kv.Container
	// KeySpaces maps key-space ids to container hashes.
	KeySpaces map[int32]uint64

	// Features is read once by the path selector.
	Features kv.FeatureList
	// FailoverDwell is the time a failover target stays active.
	FailoverDwell time.Duration

	Dispatch aio.Config

	// Transport settings shared by all paths; endpoints are set per path.
	Transport  common.ClientConfig
	Network    string
	Serializer string
	// EncryptionKey is the hex encoded value encryption key, empty disables encryption.
	EncryptionKey string

	Lock LockConfig

	// HeartbeatInterval is the period of the instance heartbeat.
	HeartbeatInterval time.Duration
	// RecheckInterval is the period in which down paths are rechecked, 0 disables rechecking.
	RecheckInterval time.Duration

	// Host and Port identify this instance towards the lock manager.
	Host string
	Port uint32

	// Metrics receives the dispatcher, lock and stat counter metrics if set.
	Metrics prometheus.Registerer
}

// Validate checks the configuration for missing or conflicting values
func (c *Config) Validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.Network == "" {
		return kv.NewError(kv.ResultInvalidArgument, "network is empty")
	}
	if c.Serializer == "" {
		return kv.NewError(kv.ResultInvalidArgument, "serializer is empty")
	}
	if c.HeartbeatInterval <= 0 {
		return kv.NewError(kv.ResultInvalidArgument, "heartbeat interval must be positive")
	}
	if c.RecheckInterval < 0 || c.FailoverDwell < 0 {
		return kv.NewError(kv.ResultInvalidArgument, "durations must not be negative")
	}
	if !c.Lock.Remote() && (c.Lock.StaleAfter <= 0 || c.Lock.ReapInterval <= 0) {
		return kv.NewError(kv.ResultInvalidArgument, "local lock manager requires a stale threshold and a reap interval")
	}
	// a remote lock server may not announce its threshold
	if c.Lock.StaleAfter > 0 && c.HeartbeatInterval >= c.Lock.StaleAfter {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf(
			"heartbeat interval %s must be below the stale threshold %s", c.HeartbeatInterval, c.Lock.StaleAfter))
	}
	for _, ct := range c.Containers {
		if err := ct.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client")
	addField("Network", c.Network)
	addField("Serializer", c.Serializer)
	addField("Encryption", strconv.FormatBool(c.EncryptionKey != ""))
	addField("Heartbeat Interval", c.HeartbeatInterval.String())
	addField("Recheck Interval", c.RecheckInterval.String())

	addSection("Dispatch")
	addField("Workers", strconv.Itoa(c.Dispatch.Workers))
	addField("IO Timeout", c.Dispatch.IOTimeout.String())
	addField("Max Batch", strconv.Itoa(c.Dispatch.MaxBatch))
	addField("Flush Delay", c.Dispatch.FlushDelay.String())

	addSection("Multipath")
	addField("Load Balance", strconv.FormatBool(c.Features.NICLoadBalance))
	addField("Policy", c.Features.NICLoadBalancePolicy.String())
	addField("Failover Dwell", c.FailoverDwell.String())

	addSection("Lock Manager")
	if c.Lock.Remote() {
		addField("Endpoints", strings.Join(c.Lock.Endpoints, ", "))
		addField("Shard", strconv.FormatUint(c.Lock.ShardID, 10))
	} else {
		addField("Mode", "local")
		addField("Stale After", c.Lock.StaleAfter.String())
		addField("Reap Interval", c.Lock.ReapInterval.String())
	}

	addSection("Containers")
	for _, ct := range c.Containers {
		addField(ct.Name, fmt.Sprintf("%d path(s), hash %d", len(ct.Transports), ct.Hash))
	}
	return sb.String()
}
