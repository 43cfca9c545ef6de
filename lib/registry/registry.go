package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("registry")

// StatusListener is called after a transport changed its status.
// Listeners run on the goroutine that called UpdateStatus and must not block.
type StatusListener func(t *Transport, from, to kv.PathStatus)

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

// Transport is a registered container transport together with its live health
// and queue accounting. Static attributes never change after registration; the
// status and the counters are atomics so request goroutines never contend on a
// registry wide lock.
type Transport struct {
	info          kv.ContainerTransport
	containerHash uint64
	reg           *Registry

	status  atomic.Int32
	depth   atomic.Int64 // requests in flight
	bytes   atomic.Int64 // payload bytes in flight
	retired atomic.Bool
}

// Hash returns the stable path hash.
func (t *Transport) Hash() uint64 { return t.info.PathHash }

// ContainerHash returns the hash of the container the path belongs to.
func (t *Transport) ContainerHash() uint64 { return t.containerHash }

// Endpoint returns address:port of the path.
func (t *Transport) Endpoint() string { return t.info.Endpoint() }

// Status returns the current status.
func (t *Transport) Status() kv.PathStatus { return kv.PathStatus(t.status.Load()) }

// IsUp reports whether the path is up and not retired.
func (t *Transport) IsUp() bool { return t.Status() == kv.PathUp && !t.retired.Load() }

// Retired reports whether the path was removed from the registry.
func (t *Transport) Retired() bool { return t.retired.Load() }

// QueueDepth returns the number of requests in flight on the path.
func (t *Transport) QueueDepth() int64 { return t.depth.Load() }

// QueueSize returns the number of payload bytes in flight on the path.
func (t *Transport) QueueSize() int64 { return t.bytes.Load() }

// Info returns the transport attributes with the live status filled in.
func (t *Transport) Info() kv.ContainerTransport {
	info := t.info
	info.Status = t.Status()
	return info
}

// String returns a short description of the transport.
func (t *Transport) String() string { return t.Info().String() }

// Acquire accounts a new in-flight request of size bytes.
func (t *Transport) Acquire(size int64) {
	t.depth.Add(1)
	t.bytes.Add(size)
}

// Release settles an in-flight request of size bytes. Once a retired path has
// no requests left it is dropped from the registry and its hash can be reused.
func (t *Transport) Release(size int64) {
	t.bytes.Add(-size)
	if t.depth.Add(-1) == 0 && t.retired.Load() {
		t.reg.dropRetired(t)
	}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// containerEntry holds a container and its transports in registration order
type containerEntry struct {
	mu    sync.RWMutex
	info  kv.Container
	paths []*Transport
}

// Registry tracks the known containers and their network paths.
type Registry struct {
	containers *xsync.MapOf[uint64, *containerEntry]
	paths      *xsync.MapOf[uint64, *Transport]

	listenersMu sync.RWMutex
	listeners   []StatusListener
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		containers: xsync.NewMapOf[uint64, *containerEntry](),
		paths:      xsync.NewMapOf[uint64, *Transport](),
	}
}

// OnStatusChange registers a listener for status transitions.
func (r *Registry) OnStatusChange(l StatusListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RegisterContainer registers a container and all of its transports.
// A zero container hash is derived from the container uuid.
func (r *Registry) RegisterContainer(c kv.Container) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if c.Hash == 0 {
		c.Hash = util.ContainerHash(c.UUID)
	}

	entry, _ := r.containers.LoadOrCompute(c.Hash, func() *containerEntry {
		return &containerEntry{}
	})

	entry.mu.Lock()
	transports := c.Transports
	c.Transports = nil
	entry.info = c
	entry.mu.Unlock()

	for _, t := range transports {
		if _, err := r.Register(c.Hash, t); err != nil {
			return c.Hash, err
		}
	}
	return c.Hash, nil
}

// Register adds a transport to a container. The path hash is derived from
// address, port and mount point, so registering the same path again returns
// the existing transport.
func (r *Registry) Register(containerHash uint64, t kv.ContainerTransport) (*Transport, error) {
	if t.Address == "" {
		return nil, kv.NewError(kv.ResultInvalidArgument, "transport address is empty")
	}
	if t.Status != kv.PathUp && t.Status != kv.PathDown {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("invalid transport status %d", t.Status))
	}
	t.PathHash = util.PathHash(t.Address, t.Port, t.MountPoint)

	entry, _ := r.containers.LoadOrCompute(containerHash, func() *containerEntry {
		return &containerEntry{info: kv.Container{Hash: containerHash}}
	})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if existing, ok := r.paths.Load(t.PathHash); ok {
		if existing.retired.Load() {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("path %s still has %d requests in flight", existing.Endpoint(), existing.QueueDepth()))
		}
		if existing.containerHash != containerHash {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("path %s already belongs to container %d", existing.Endpoint(), existing.containerHash))
		}
		return existing, nil
	}

	if len(entry.paths) >= kv.MaxContainerTransports {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("container %d already has %d transports", containerHash, len(entry.paths)))
	}

	tr := &Transport{
		info:          t,
		containerHash: containerHash,
		reg:           r,
	}
	tr.status.Store(int32(t.Status))

	r.paths.Store(t.PathHash, tr)
	entry.paths = append(entry.paths, tr)

	Logger.Infof("registered %s for container %d", tr, containerHash)
	return tr, nil
}

// UpdateStatus sets the status of a path. Only Up and Down are valid.
func (r *Registry) UpdateStatus(pathHash uint64, status kv.PathStatus) error {
	if status != kv.PathUp && status != kv.PathDown {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("invalid transport status %d", status))
	}
	t, ok := r.paths.Load(pathHash)
	if !ok {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown path %d", pathHash))
	}

	from := kv.PathStatus(t.status.Swap(int32(status)))
	if from == status {
		return nil
	}

	Logger.Infof("path %s of container %d changed %s -> %s", t.Endpoint(), t.containerHash, from, status)
	r.notify(t, from, status)
	return nil
}

// Remove retires a path. It is no longer listed or selectable; its hash stays
// reserved until all requests in flight on it have settled.
func (r *Registry) Remove(pathHash uint64) error {
	t, ok := r.paths.Load(pathHash)
	if !ok || t.retired.Load() {
		return kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown path %d", pathHash))
	}

	if entry, ok := r.containers.Load(t.containerHash); ok {
		entry.mu.Lock()
		for i, p := range entry.paths {
			if p == t {
				entry.paths = append(entry.paths[:i:i], entry.paths[i+1:]...)
				break
			}
		}
		entry.mu.Unlock()
	}

	t.retired.Store(true)
	from := kv.PathStatus(t.status.Swap(int32(kv.PathDown)))
	if t.depth.Load() == 0 {
		r.dropRetired(t)
	}

	Logger.Infof("removed path %s of container %d", t.Endpoint(), t.containerHash)
	if from != kv.PathDown {
		r.notify(t, from, kv.PathDown)
	}
	return nil
}

// Lookup returns a path by hash.
func (r *Registry) Lookup(pathHash uint64) (*Transport, bool) {
	t, ok := r.paths.Load(pathHash)
	if !ok || t.retired.Load() {
		return nil, false
	}
	return t, true
}

// List returns the paths of a container in registration order.
func (r *Registry) List(containerHash uint64) []*Transport {
	entry, ok := r.containers.Load(containerHash)
	if !ok {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	out := make([]*Transport, len(entry.paths))
	copy(out, entry.paths)
	return out
}

// Container returns a snapshot of a container including the live status of its transports.
func (r *Registry) Container(containerHash uint64) (kv.Container, bool) {
	entry, ok := r.containers.Load(containerHash)
	if !ok {
		return kv.Container{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	c := entry.info
	c.Transports = make([]kv.ContainerTransport, 0, len(entry.paths))
	for _, p := range entry.paths {
		c.Transports = append(c.Transports, p.Info())
	}
	return c, true
}

// Containers returns snapshots of all containers ordered by container id, then hash.
func (r *Registry) Containers() []kv.Container {
	var out []kv.Container
	r.containers.Range(func(hash uint64, _ *containerEntry) bool {
		if c, ok := r.Container(hash); ok {
			out = append(out, c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dropRetired removes a retired path from the path table if it is still the registered one
func (r *Registry) dropRetired(t *Transport) {
	r.paths.Compute(t.info.PathHash, func(old *Transport, loaded bool) (*Transport, bool) {
		// delete only our own entry
		return old, loaded && old == t
	})
}

func (r *Registry) notify(t *Transport, from, to kv.PathStatus) {
	r.listenersMu.RLock()
	listeners := make([]StatusListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(t, from, to)
	}
}
