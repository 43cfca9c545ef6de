package kv

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxLockPriority is the highest lock priority (the field is two bits wide).
const MaxLockPriority = 3

// LockOption holds the lock flags. Priority orders blocked waiters (higher
// first), Writer selects exclusive mode, Blocking queues the request on conflict
// instead of denying it.
type LockOption struct {
	Priority    uint8
	Writer      bool
	Blocking    bool
	Duration    time.Duration
	WaitTimeout time.Duration // only for Blocking; 0 waits until granted or released
	RequestUUID uuid.UUID
}

// LockRequest is a lock request for one key on behalf of an instance.
type LockRequest struct {
	Key    Key
	Owner  uuid.UUID
	Option LockOption
}

// Validate checks the request for malformed fields.
func (r LockRequest) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.Owner == uuid.Nil {
		return NewError(ResultInvalidArgument, "lock owner instance is not set")
	}
	if r.Option.RequestUUID == uuid.Nil {
		return NewError(ResultInvalidArgument, "lock request uuid is not set")
	}
	if r.Option.Priority > MaxLockPriority {
		return NewError(ResultInvalidArgument, fmt.Sprintf("lock priority %d exceeds %d", r.Option.Priority, MaxLockPriority))
	}
	if r.Option.Duration <= 0 {
		return NewError(ResultInvalidArgument, "lock duration must be positive")
	}
	if r.Option.WaitTimeout < 0 {
		return NewError(ResultInvalidArgument, "lock wait timeout must not be negative")
	}
	return nil
}

// LockStatus is the state of a lock request.
type LockStatus uint8

const (
	LockDenied LockStatus = iota
	LockGranted
	LockBlocked
)

// String returns the string representation of a LockStatus.
func (s LockStatus) String() string {
	switch s {
	case LockGranted:
		return "granted"
	case LockBlocked:
		return "blocked"
	default:
		return "denied"
	}
}

// LockResult is the outcome of a lock request.
// Reclaimed is set when the grant was only possible after a stale owner's lock
// was reclaimed; Err carries ErrTimeout when a blocking wait ran out.
type LockResult struct {
	Key       Key
	Request   uuid.UUID
	Status    LockStatus
	Expiry    time.Time
	Reclaimed bool
	Err       error
}

// --------------------------------------------------------------------------
// Instance
// --------------------------------------------------------------------------

// InstanceInfo identifies a client instance. Heartbeats carry it so lock
// managers can tell whether a lock owner is still alive.
type InstanceInfo struct {
	Host           string
	Port           uint32
	UUID           uuid.UUID
	Created        time.Time
	LastHBDuration time.Duration
}

// String returns a short description of the instance.
func (i InstanceInfo) String() string {
	return fmt.Sprintf("%s@%s:%d", i.UUID, i.Host, i.Port)
}
