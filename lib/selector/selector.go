package selector

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/registry"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("selector")

// failoverState is the active path of a container under the failover policy
type failoverState struct {
	mu     sync.Mutex
	active *registry.Transport
	since  time.Time
}

// Selector picks a transport for a container.
type Selector struct {
	reg      *registry.Registry
	features kv.FeatureList
	minDwell time.Duration
	clock    util.Clock

	cursors  *xsync.MapOf[uint64, *atomic.Uint64]
	failover *xsync.MapOf[uint64, *failoverState]
}

// New creates a selector over reg.
// features is read once here; minDwell is the time a failover target stays
// active before the selector reverts to the primary path (0 reverts at once).
func New(reg *registry.Registry, features kv.FeatureList, minDwell time.Duration) *Selector {
	return &Selector{
		reg:      reg,
		features: features,
		minDwell: minDwell,
		clock:    util.RealClock{},
		cursors:  xsync.NewMapOf[uint64, *atomic.Uint64](),
		failover: xsync.NewMapOf[uint64, *failoverState](),
	}
}

// WithClock replaces the clock used for the failover dwell time.
func (s *Selector) WithClock(c util.Clock) *Selector {
	s.clock = c
	return s
}

// Policy returns the policy Select applies. With load balancing disabled every
// container sticks to its primary path and only fails over.
func (s *Selector) Policy() kv.LBPolicy {
	if !s.features.NICLoadBalance {
		return kv.PolicyFailover
	}
	return s.features.NICLoadBalancePolicy
}

// Select picks a transport for a container with the configured policy.
func (s *Selector) Select(containerHash uint64) (*registry.Transport, error) {
	return s.SelectWith(containerHash, s.Policy())
}

// SelectWith picks a transport for a container with the given policy.
// Returns ErrNoHealthyPath if no transport of the container is up.
func (s *Selector) SelectWith(containerHash uint64, policy kv.LBPolicy) (*registry.Transport, error) {
	all := s.reg.List(containerHash)
	up := make([]*registry.Transport, 0, len(all))
	for _, t := range all {
		if t.IsUp() {
			up = append(up, t)
		}
	}
	if len(up) == 0 {
		return nil, kv.NewError(kv.ResultNoHealthyPath, fmt.Sprintf("no transport of container %d is up (%d registered)", containerHash, len(all)))
	}

	switch policy {
	case kv.PolicyRoundRobin:
		return up[s.next(containerHash)%uint64(len(up))], nil
	case kv.PolicyFailover:
		return s.selectFailover(containerHash, all[0], up), nil
	case kv.PolicyLeastQueueDepth:
		return s.selectLeast(containerHash, up, (*registry.Transport).QueueDepth), nil
	case kv.PolicyLeastQueueSize:
		return s.selectLeast(containerHash, up, (*registry.Transport).QueueSize), nil
	default:
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown load balance policy %d", policy))
	}
}

// Pinned returns the path a caller asked for explicitly. The path must belong
// to the container; if it is down the result is ErrNoHealthyPath.
func (s *Selector) Pinned(containerHash, pathHash uint64) (*registry.Transport, error) {
	t, ok := s.reg.Lookup(pathHash)
	if !ok || t.ContainerHash() != containerHash {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("path %d is not a transport of container %d", pathHash, containerHash))
	}
	if !t.IsUp() {
		return nil, kv.NewError(kv.ResultNoHealthyPath, fmt.Sprintf("pinned path %s is down", t.Endpoint()))
	}
	return t, nil
}

// --------------------------------------------------------------------------
// Policies
// --------------------------------------------------------------------------

// next advances the round robin cursor of a container
func (s *Selector) next(containerHash uint64) uint64 {
	cursor, _ := s.cursors.LoadOrCompute(containerHash, func() *atomic.Uint64 {
		return &atomic.Uint64{}
	})
	return cursor.Add(1) - 1
}

func (s *Selector) selectFailover(containerHash uint64, primary *registry.Transport, up []*registry.Transport) *registry.Transport {
	st, _ := s.failover.LoadOrCompute(containerHash, func() *failoverState {
		return &failoverState{}
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock.Now()
	switch {
	case st.active == nil || !st.active.IsUp():
		// up is ordered, so up[0] is the primary whenever the primary is up
		if st.active != nil {
			Logger.Infof("container %d fails over from %s to %s", containerHash, st.active.Endpoint(), up[0].Endpoint())
		}
		st.active = up[0]
		st.since = now
	case st.active != primary && primary.IsUp() && now.Sub(st.since) >= s.minDwell:
		Logger.Infof("container %d reverts to primary %s", containerHash, primary.Endpoint())
		st.active = primary
		st.since = now
	}
	return st.active
}

func (s *Selector) selectLeast(containerHash uint64, up []*registry.Transport, load func(*registry.Transport) int64) *registry.Transport {
	best := load(up[0])
	tied := []*registry.Transport{up[0]}
	for _, t := range up[1:] {
		switch l := load(t); {
		case l < best:
			best = l
			tied = append(tied[:0], t)
		case l == best:
			tied = append(tied, t)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[s.next(containerHash)%uint64(len(tied))]
}
