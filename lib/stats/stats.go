// Package stats provides the typed stat counters nKV exports for
// observability tooling, and usage statistics of container mount points.
//
// A counter has one of the types INT8..UINT64 or SIZE and behaves like a
// value of that type: adding past the maximum wraps around exactly as the Go
// integer type would. Counters are lock-free; the registry is exported to
// Prometheus as a collector and as a plain snapshot.
package stats

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Stat types
// --------------------------------------------------------------------------

// StatType is the value type of a counter.
type StatType uint8

const (
	StatInt8 StatType = iota
	StatInt16
	StatInt32
	StatInt64
	StatUint8
	StatUint16
	StatUint32
	StatUint64
	StatSize
)

// String returns the string representation of a StatType.
func (t StatType) String() string {
	switch t {
	case StatInt8:
		return "int8"
	case StatInt16:
		return "int16"
	case StatInt32:
		return "int32"
	case StatInt64:
		return "int64"
	case StatUint8:
		return "uint8"
	case StatUint16:
		return "uint16"
	case StatUint32:
		return "uint32"
	case StatUint64:
		return "uint64"
	case StatSize:
		return "size"
	default:
		return "unknown"
	}
}

func (t StatType) signed() bool {
	return t <= StatInt64
}

// wrap truncates raw to the width of the type. Signed values are kept sign
// extended so that int64(raw) is the typed value.
func (t StatType) wrap(raw uint64) uint64 {
	switch t {
	case StatInt8:
		return uint64(int64(int8(raw)))
	case StatInt16:
		return uint64(int64(int16(raw)))
	case StatInt32:
		return uint64(int64(int32(raw)))
	case StatUint8:
		return uint64(uint8(raw))
	case StatUint16:
		return uint64(uint16(raw))
	case StatUint32:
		return uint64(uint32(raw))
	default:
		return raw
	}
}

// --------------------------------------------------------------------------
// Counter
// --------------------------------------------------------------------------

// Counter is a typed stat counter.
type Counter struct {
	name string
	typ  StatType
	raw  atomic.Uint64
}

// Name returns the counter name.
func (c *Counter) Name() string { return c.name }

// Type returns the counter type.
func (c *Counter) Type() StatType { return c.typ }

// Add adds delta, wrapping at the width of the counter type.
func (c *Counter) Add(delta int64) {
	for {
		old := c.raw.Load()
		if c.raw.CompareAndSwap(old, c.typ.wrap(old+uint64(delta))) {
			return
		}
	}
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Set stores v, truncated to the counter type.
func (c *Counter) Set(v int64) {
	c.raw.Store(c.typ.wrap(uint64(v)))
}

// Int returns the value of a signed counter.
func (c *Counter) Int() int64 {
	return int64(c.raw.Load())
}

// Uint returns the value of an unsigned counter.
func (c *Counter) Uint() uint64 {
	return c.raw.Load()
}

// Float returns the value as float64.
func (c *Counter) Float() float64 {
	if c.typ.signed() {
		return float64(c.Int())
	}
	return float64(c.Uint())
}

// String formats the value, sizes in IEC units.
func (c *Counter) String() string {
	switch {
	case c.typ == StatSize:
		return humanize.IBytes(c.Uint())
	case c.typ.signed():
		return humanize.Comma(c.Int())
	default:
		return strconv.FormatUint(c.Uint(), 10)
	}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Sample is a point in time value of a counter.
type Sample struct {
	Name  string   `json:"name"`
	Type  StatType `json:"type"`
	Value float64  `json:"value"`
	Text  string   `json:"text"`
}

// Registry holds named counters. It implements prometheus.Collector.
type Registry struct {
	counters *xsync.MapOf[string, *Counter]
	desc     *prometheus.Desc
}

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: xsync.NewMapOf[string, *Counter](),
		desc: prometheus.NewDesc(
			"nkv_stat_value",
			"Value of an nKV typed stat counter",
			[]string{"name", "type"},
			nil,
		),
	}
}

// Counter returns the counter name, creating it with type typ if needed.
// Asking for an existing counter with a different type is an error.
func (r *Registry) Counter(name string, typ StatType) (*Counter, error) {
	if name == "" {
		return nil, kv.NewError(kv.ResultInvalidArgument, "counter name is empty")
	}
	if typ > StatSize {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown stat type %d", typ))
	}
	c, _ := r.counters.LoadOrCompute(name, func() *Counter {
		return &Counter{name: name, typ: typ}
	})
	if c.typ != typ {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("counter %s already exists with type %s", name, c.typ))
	}
	return c, nil
}

// MustCounter is like Counter but panics on error.
func (r *Registry) MustCounter(name string, typ StatType) *Counter {
	c, err := r.Counter(name, typ)
	if err != nil {
		panic(err)
	}
	return c
}

// Snapshot returns all counters sorted by name.
func (r *Registry) Snapshot() []Sample {
	var out []Sample
	r.counters.Range(func(_ string, c *Counter) bool {
		out = append(out, Sample{Name: c.name, Type: c.typ, Value: c.Float(), Text: c.String()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.desc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.counters.Range(func(_ string, c *Counter) bool {
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, c.Float(), c.name, c.typ.String())
		return true
	})
}
