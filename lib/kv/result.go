package kv

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Result Codes
// --------------------------------------------------------------------------

// Result is the terminal result code of an operation.
type Result int32

const (
	ResultSuccess          Result = iota // 0: operation succeeded
	ResultInvalidArgument                // 1: malformed key, value or context
	ResultNoHealthyPath                  // 2: all transports of the container are down
	ResultConflict                       // 3: a store precondition was violated
	ResultTimeout                        // 4: lock wait or I/O deadline exceeded
	ResultStaleOwner                     // 5: lock reclaimed from a dead instance (informational)
	ResultTransportFailure               // 6: I/O error while the request was in flight
	ResultNotFound                       // 7: key does not exist
	ResultTruncated                      // 8: value larger than the caller buffer
	ResultCancelled                      // 9: request was cancelled before it was issued
	ResultChecksumMismatch               // 10: stored CRC does not match the value
	ResultInternalError                  // 11: unexpected failure
)

// String returns the string representation of a Result.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultInvalidArgument:
		return "InvalidArgument"
	case ResultNoHealthyPath:
		return "NoHealthyPath"
	case ResultConflict:
		return "Conflict"
	case ResultTimeout:
		return "Timeout"
	case ResultStaleOwner:
		return "StaleOwner"
	case ResultTransportFailure:
		return "TransportFailure"
	case ResultNotFound:
		return "NotFound"
	case ResultTruncated:
		return "Truncated"
	case ResultCancelled:
		return "Cancelled"
	case ResultChecksumMismatch:
		return "ChecksumMismatch"
	case ResultInternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Ok reports whether the result is a success.
func (r Result) Ok() bool {
	return r == ResultSuccess
}

// Err maps the result to its sentinel error, nil for success.
func (r Result) Err() error {
	switch r {
	case ResultSuccess:
		return nil
	case ResultInvalidArgument:
		return ErrInvalidArgument
	case ResultNoHealthyPath:
		return ErrNoHealthyPath
	case ResultConflict:
		return ErrConflict
	case ResultTimeout:
		return ErrTimeout
	case ResultStaleOwner:
		return ErrStaleOwner
	case ResultTransportFailure:
		return ErrTransportFailure
	case ResultNotFound:
		return ErrNotFound
	case ResultTruncated:
		return ErrTruncated
	case ResultCancelled:
		return ErrCancelled
	case ResultChecksumMismatch:
		return ErrChecksumMismatch
	default:
		return ErrInternal
	}
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoHealthyPath    = errors.New("no healthy path")
	ErrConflict         = errors.New("conflict")
	ErrTimeout          = errors.New("timeout")
	ErrStaleOwner       = errors.New("stale owner")
	ErrTransportFailure = errors.New("transport failure")
	ErrNotFound         = errors.New("not found")
	ErrTruncated        = errors.New("value truncated")
	ErrCancelled        = errors.New("cancelled")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInternal         = errors.New("internal error")
)

// Error wraps a result code and a message.
// errors.Is matches it against the sentinel of its code.
type Error struct {
	Code Result
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("nkv error (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is the sentinel for the error code.
func (e *Error) Is(target error) bool {
	return e.Code.Err() == target
}

// NewError creates a new Error with the given code and message.
func NewError(code Result, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// ResultOf extracts the result code from err.
// Errors that are not *Error and match no sentinel map to ResultInternalError.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for r := ResultInvalidArgument; r <= ResultInternalError; r++ {
		if errors.Is(err, r.Err()) {
			return r
		}
	}
	return ResultInternalError
}
