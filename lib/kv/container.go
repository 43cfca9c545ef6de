package kv

import (
	"fmt"
	"net"
	"strconv"
)

// MaxContainerTransports bounds the number of transports a container can hold.
const MaxContainerTransports = 8

// --------------------------------------------------------------------------
// Transport attributes
// --------------------------------------------------------------------------

// PathStatus is the health of a container transport. Only Up and Down exist.
type PathStatus int8

const (
	PathDown PathStatus = 0
	PathUp   PathStatus = 1
)

// String returns the string representation of a PathStatus.
func (s PathStatus) String() string {
	if s == PathUp {
		return "up"
	}
	return "down"
}

// AddrFamily is the address family of a transport (values follow AF_INET / AF_INET6).
type AddrFamily int8

const (
	FamilyIPv4 AddrFamily = 2
	FamilyIPv6 AddrFamily = 10
)

// LinkSpeed is the link speed class of a transport.
type LinkSpeed int8

const (
	Speed1G LinkSpeed = iota
	Speed10G
	Speed50G
	Speed100G
)

// String returns the string representation of a LinkSpeed.
func (s LinkSpeed) String() string {
	switch s {
	case Speed1G:
		return "1Gb"
	case Speed10G:
		return "10Gb"
	case Speed50G:
		return "50Gb"
	case Speed100G:
		return "100Gb"
	default:
		return "unknown"
	}
}

// ContainerTransport is one physical network path to a storage container.
type ContainerTransport struct {
	PathID     int32      `json:"path_id" mapstructure:"path_id"`
	PathHash   uint64     `json:"path_hash" mapstructure:"path_hash"`
	Address    string     `json:"address" mapstructure:"address"`
	Port       int32      `json:"port" mapstructure:"port"`
	Family     AddrFamily `json:"family" mapstructure:"family"`
	Speed      LinkSpeed  `json:"speed" mapstructure:"speed"`
	Status     PathStatus `json:"status" mapstructure:"status"`
	NumaNode   int8       `json:"numa_node" mapstructure:"numa_node"`
	MountPoint string     `json:"mount_point" mapstructure:"mount_point"`
}

// Endpoint returns address:port for dialing the path.
func (t ContainerTransport) Endpoint() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(int(t.Port)))
}

// String returns a short description of the transport.
func (t ContainerTransport) String() string {
	return fmt.Sprintf("path %d (%s, %s, numa %d, %s)", t.PathID, t.Endpoint(), t.Speed, t.NumaNode, t.Status)
}

// --------------------------------------------------------------------------
// Container
// --------------------------------------------------------------------------

// ContainerStatus is the status of a container.
type ContainerStatus uint8

const (
	ContainerOK ContainerStatus = iota
	ContainerDown
)

// Container is a logical storage target reachable through one or more transports.
type Container struct {
	ID                 uint32               `json:"id" mapstructure:"id"`
	Hash               uint64               `json:"hash" mapstructure:"hash"`
	UUID               string               `json:"uuid" mapstructure:"uuid"`
	Name               string               `json:"name" mapstructure:"name"`
	HostingTarget      string               `json:"hosting_target" mapstructure:"hosting_target"`
	Status             ContainerStatus      `json:"status" mapstructure:"status"`
	SpaceAvailablePerc uint8                `json:"space_available_percentage" mapstructure:"space_available_percentage"`
	Transports         []ContainerTransport `json:"transports" mapstructure:"transports"`
}

// Validate checks the container for a missing identity and the transport bound.
func (c Container) Validate() error {
	if c.Hash == 0 && c.UUID == "" {
		return NewError(ResultInvalidArgument, "container has neither hash nor uuid")
	}
	if len(c.Transports) > MaxContainerTransports {
		return NewError(ResultInvalidArgument, fmt.Sprintf("container %s has %d transports, max is %d", c.Name, len(c.Transports), MaxContainerTransports))
	}
	return nil
}

// --------------------------------------------------------------------------
// Contexts
// --------------------------------------------------------------------------

// IOContext selects the target of a data path operation.
//
// In pass-through mode ContainerHash must name a known container and PathHash,
// if set, one of its transports. Otherwise KeySpaceID is resolved to a container
// internally.
type IOContext struct {
	PassThrough   bool
	ContainerHash uint64
	PathHash      uint64
	KeySpaceID    int32
}

// MgmtContext selects a container / path for management calls.
type MgmtContext struct {
	PassThrough   bool
	ContainerHash uint64
	PathHash      uint64
}

// --------------------------------------------------------------------------
// Path stats / features
// --------------------------------------------------------------------------

// PathStat reports storage usage behind a mount point.
type PathStat struct {
	MountPoint         string  `json:"mount_point"`
	CapacityBytes      uint64  `json:"capacity_bytes"`
	UsageBytes         uint64  `json:"usage_bytes"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// LBPolicy is the multipath load balancing policy.
type LBPolicy uint32

const (
	PolicyRoundRobin LBPolicy = iota
	PolicyFailover
	PolicyLeastQueueDepth
	PolicyLeastQueueSize
)

// String returns the string representation of a LBPolicy.
func (p LBPolicy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round-robin"
	case PolicyFailover:
		return "failover"
	case PolicyLeastQueueDepth:
		return "least-queue-depth"
	case PolicyLeastQueueSize:
		return "least-queue-size"
	default:
		return "unknown"
	}
}

// ParseLBPolicy parses a policy name or its numeric value.
func ParseLBPolicy(s string) (LBPolicy, error) {
	switch s {
	case "round-robin", "rr", "0":
		return PolicyRoundRobin, nil
	case "failover", "1":
		return PolicyFailover, nil
	case "least-queue-depth", "lqd", "2":
		return PolicyLeastQueueDepth, nil
	case "least-queue-size", "lqs", "3":
		return PolicyLeastQueueSize, nil
	default:
		return 0, NewError(ResultInvalidArgument, fmt.Sprintf("unknown load balance policy %q", s))
	}
}

// FeatureList is the multipath feature toggle read once at startup.
type FeatureList struct {
	NICLoadBalance       bool
	NICLoadBalancePolicy LBPolicy
}
