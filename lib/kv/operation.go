package kv

import "fmt"

// --------------------------------------------------------------------------
// Key / Value
// --------------------------------------------------------------------------

// MaxKeyLength is the largest key a container target accepts.
const MaxKeyLength = 255

// Key is an opaque byte sequence. The identity of a key is its byte content.
type Key []byte

// String returns the key as a (possibly non-printable) string.
func (k Key) String() string {
	return string(k)
}

// Validate checks the key for emptiness and maximum length.
func (k Key) Validate() error {
	if len(k) == 0 {
		return NewError(ResultInvalidArgument, "key is empty")
	}
	if len(k) > MaxKeyLength {
		return NewError(ResultInvalidArgument, fmt.Sprintf("key length %d exceeds %d", len(k), MaxKeyLength))
	}
	return nil
}

// Value is a caller owned buffer.
//
// For PUT the first Length bytes of Buf are stored. For GET up to len(Buf) bytes
// are written and ActualLength reports the full size of the stored object, which
// can be larger than the buffer (see ResultTruncated).
type Value struct {
	Buf          []byte
	Length       uint64
	ActualLength uint64
}

// NewValue wraps buf as a value with Length set to len(buf).
func NewValue(buf []byte) Value {
	return Value{Buf: buf, Length: uint64(len(buf))}
}

// Bytes returns the first Length bytes of the buffer.
// A completed GET sets Length to min(ActualLength, len(Buf)).
func (v Value) Bytes() []byte {
	return v.Buf[:min(v.Length, uint64(len(v.Buf)))]
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// StoreOption holds the PUT flags. NoOverwrite, UpdateOnly, Atomic and Append
// are preconditions evaluated by the container target; Compressed, Encrypted and
// CRCInMeta invoke client side value capabilities.
type StoreOption struct {
	Compressed  bool `json:"compressed,omitempty"`
	Encrypted   bool `json:"encrypted,omitempty"`
	CRCInMeta   bool `json:"crc_in_meta,omitempty"`
	NoOverwrite bool `json:"no_overwrite,omitempty"`
	Atomic      bool `json:"atomic,omitempty"`
	UpdateOnly  bool `json:"update_only,omitempty"`
	Append      bool `json:"append,omitempty"`
}

// RetrieveOption holds the GET flags.
type RetrieveOption struct {
	Decompress bool `json:"decompress,omitempty"`
	Decrypt    bool `json:"decrypt,omitempty"`
	CompareCRC bool `json:"compare_crc,omitempty"`
	Delete     bool `json:"delete,omitempty"`
}

// --------------------------------------------------------------------------
// Operation
// --------------------------------------------------------------------------

// OpCode identifies the kind of a KV operation.
type OpCode int32

const (
	OpGet OpCode = iota
	OpPut
	OpDelete
)

// String returns the string representation of an OpCode.
func (o OpCode) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// Operation is one asynchronous KV request.
//
// The caller fills OpCode, Key, Value, the options and the two opaque tags;
// the library sets Result before the operation is delivered in a completion
// batch. Tag1 and Tag2 are carried through untouched.
type Operation struct {
	OpCode   OpCode
	Key      Key
	Value    Value
	Store    StoreOption
	Retrieve RetrieveOption
	Result   Result
	Tag1     any
	Tag2     any
}

// Validate checks the operation for malformed fields.
func (op *Operation) Validate() error {
	if op == nil {
		return NewError(ResultInvalidArgument, "operation is nil")
	}
	if err := op.Key.Validate(); err != nil {
		return err
	}
	switch op.OpCode {
	case OpGet:
		if len(op.Value.Buf) == 0 {
			return NewError(ResultInvalidArgument, "GET requires a value buffer")
		}
	case OpPut:
		if op.Value.Length > uint64(len(op.Value.Buf)) {
			return NewError(ResultInvalidArgument, fmt.Sprintf("value length %d exceeds buffer size %d", op.Value.Length, len(op.Value.Buf)))
		}
		if op.Store.NoOverwrite && op.Store.UpdateOnly {
			return NewError(ResultInvalidArgument, "no_overwrite and update_only are mutually exclusive")
		}
		// every encrypted PUT is one sealed frame, an appended frame could not be opened
		if op.Store.Append && op.Store.Encrypted {
			return NewError(ResultInvalidArgument, "append cannot be combined with encrypted")
		}
	case OpDelete:
	default:
		return NewError(ResultInvalidArgument, fmt.Sprintf("unknown opcode %d", op.OpCode))
	}
	return nil
}

// Payload returns the bytes a PUT sends to the container.
func (op *Operation) Payload() []byte {
	return op.Value.Buf[:op.Value.Length]
}
