// Package container implements an in-memory container target. The target
// server hosts one Store per container and applies the store and retrieve
// options there: no_overwrite, update_only, append, atomic, crc_in_meta,
// compare_crc and get-and-delete.
//
// Every key is updated with a single Compute call of the underlying
// concurrent map, so each operation is atomic with respect to all others on
// the same key. Values are copied on the way in and out; callers keep
// ownership of their buffers.
package container

import (
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/nKV/lib/codec"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("container")

// entry is a stored value with its optional metadata checksum
type entry struct {
	value  []byte
	crc    uint32
	hasCRC bool
}

// Store is an in-memory container.
type Store struct {
	info     kv.Container
	capacity int64 // 0 means unbounded
	used     atomic.Int64
	data     *xsync.MapOf[string, entry]
}

// NewStore creates an empty container. capacity bounds the stored bytes
// (keys and values); 0 means unbounded.
func NewStore(info kv.Container, capacity int64) (*Store, error) {
	if info.Name == "" {
		return nil, kv.NewError(kv.ResultInvalidArgument, "container name is empty")
	}
	if capacity < 0 {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("negative capacity %d", capacity))
	}
	info.Transports = nil
	return &Store{
		info:     info,
		capacity: capacity,
		data:     xsync.NewMapOf[string, entry](),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ITarget)
// --------------------------------------------------------------------------

func (s *Store) Put(key kv.Key, value []byte, opt kv.StoreOption, crc uint32) kv.Result {
	if key.Validate() != nil || (opt.NoOverwrite && opt.UpdateOnly) {
		return kv.ResultInvalidArgument
	}
	if opt.CRCInMeta && codec.Checksum(value) != crc {
		return kv.ResultChecksumMismatch
	}

	result := kv.ResultSuccess
	s.data.Compute(string(key), func(old entry, loaded bool) (entry, bool) {
		switch {
		case loaded && opt.NoOverwrite:
			result = kv.ResultConflict
			return old, false
		case !loaded && opt.UpdateOnly:
			result = kv.ResultConflict
			return old, true
		}

		var next entry
		if loaded && opt.Append {
			next.value = make([]byte, 0, len(old.value)+len(value))
			next.value = append(append(next.value, old.value...), value...)
		} else {
			next.value = append([]byte(nil), value...)
		}
		if opt.CRCInMeta || (opt.Append && old.hasCRC) {
			next.crc, next.hasCRC = codec.Checksum(next.value), true
		}

		delta := int64(len(next.value))
		if loaded {
			delta -= int64(len(old.value))
		} else {
			delta += int64(len(key))
		}
		if !s.reserve(delta) {
			result = kv.ResultInternalError
			Logger.Warningf("container %s is full, rejecting put of %d bytes", s.info.Name, len(value))
			return old, !loaded
		}
		return next, false
	})
	return result
}

func (s *Store) Get(key kv.Key, opt kv.RetrieveOption) ([]byte, uint32, kv.Result) {
	if key.Validate() != nil {
		return nil, 0, kv.ResultInvalidArgument
	}

	var (
		found  entry
		result = kv.ResultNotFound
	)
	s.data.Compute(string(key), func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if opt.CompareCRC && old.hasCRC && codec.Checksum(old.value) != old.crc {
			result = kv.ResultChecksumMismatch
			return old, false
		}
		found, result = old, kv.ResultSuccess
		if opt.Delete {
			s.used.Add(-int64(len(key) + len(old.value)))
			return old, true
		}
		return old, false
	})

	if result != kv.ResultSuccess {
		return nil, 0, result
	}
	return append([]byte(nil), found.value...), found.crc, kv.ResultSuccess
}

func (s *Store) Delete(key kv.Key) kv.Result {
	if key.Validate() != nil {
		return kv.ResultInvalidArgument
	}
	old, ok := s.data.LoadAndDelete(string(key))
	if !ok {
		return kv.ResultNotFound
	}
	s.used.Add(-int64(len(key) + len(old.value)))
	return kv.ResultSuccess
}

func (s *Store) Info() kv.Container {
	info := s.info
	info.SpaceAvailablePerc = 100
	if s.capacity > 0 {
		free := s.capacity - s.used.Load()
		if free < 0 {
			free = 0
		}
		info.SpaceAvailablePerc = uint8(free * 100 / s.capacity)
	}
	return info
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return s.data.Size()
}

// Used returns the number of stored bytes (keys and values).
func (s *Store) Used() int64 {
	return s.used.Load()
}

// reserve accounts delta bytes, false if the capacity would be exceeded
func (s *Store) reserve(delta int64) bool {
	for {
		used := s.used.Load()
		if s.capacity > 0 && delta > 0 && used+delta > s.capacity {
			return false
		}
		if s.used.CompareAndSwap(used, used+delta) {
			return true
		}
	}
}
