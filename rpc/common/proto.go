package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// KV fields
	Key   string `json:"key,omitempty"`   // Used for: Put, Get, Delete, Acquire, Release
	Value []byte `json:"value,omitempty"` // Used for: Put (request), Get (response)
	Flags uint32 `json:"flags,omitempty"` // Option bits, see the Flag constants
	CRC   uint32 `json:"crc,omitempty"`   // Used for: Put (request, crc_in_meta), Get (response)

	// Lock and instance fields
	Owner    uuid.UUID `json:"owner"`              // Used for: Acquire, Heartbeat (instance uuid)
	Request  uuid.UUID `json:"request"`            // Used for: Acquire, Release
	Priority uint8     `json:"priority,omitempty"` // Used for: Acquire
	Duration int64     `json:"duration,omitempty"` // Used for: Acquire (ns)
	Timeout  int64     `json:"timeout,omitempty"`  // Used for: Acquire (wait timeout, ns)
	Status   uint8     `json:"status,omitempty"`   // Used for: Acquire (response, kv.LockStatus)
	Expiry   int64     `json:"expiry,omitempty"`   // Used for: Acquire (response, unix ns)
	Host     string    `json:"host,omitempty"`     // Used for: Heartbeat
	Port     uint32    `json:"port,omitempty"`     // Used for: Heartbeat
	Created  int64     `json:"created,omitempty"`  // Used for: Heartbeat (unix ns)

	// Response only fields
	Code int32  `json:"code,omitempty"` // kv.Result of the operation
	Ok   bool   `json:"ok,omitempty"`   // Used for: Release responses
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Info (response, json encoded kv.Container)
}

// Result returns the result code of a response.
func (m *Message) Result() kv.Result {
	return kv.Result(m.Code)
}

// Error returns the error carried by a response, nil if there is none.
func (m *Message) Error() error {
	if m.Err == "" {
		return nil
	}
	if m.Code != 0 {
		return kv.NewError(kv.Result(m.Code), m.Err)
	}
	return fmt.Errorf("%s", m.Err)
}

// LockRequest converts an Acquire request back into a kv.LockRequest.
func (m *Message) LockRequest() kv.LockRequest {
	return kv.LockRequest{
		Key:   kv.Key(m.Key),
		Owner: m.Owner,
		Option: kv.LockOption{
			Priority:    m.Priority,
			Writer:      m.Flags&FlagLockWriter != 0,
			Blocking:    m.Flags&FlagLockBlocking != 0,
			Duration:    time.Duration(m.Duration),
			WaitTimeout: time.Duration(m.Timeout),
			RequestUUID: m.Request,
		},
	}
}

// LockResult converts an Acquire response back into a kv.LockResult.
func (m *Message) LockResult() kv.LockResult {
	res := kv.LockResult{
		Key:       kv.Key(m.Key),
		Request:   m.Request,
		Status:    kv.LockStatus(m.Status),
		Reclaimed: m.Flags&FlagLockReclaimed != 0,
		Err:       kv.Result(m.Code).Err(),
	}
	if m.Expiry != 0 {
		res.Expiry = time.Unix(0, m.Expiry)
	}
	return res
}

// Instance converts a Heartbeat request back into a kv.InstanceInfo.
func (m *Message) Instance() kv.InstanceInfo {
	return kv.InstanceInfo{
		Host:    m.Host,
		Port:    m.Port,
		UUID:    m.Owner,
		Created: time.Unix(0, m.Created),
	}
}

// --------------------------------------------------------------------------
// Option Flags
// --------------------------------------------------------------------------

// Option bits carried in Message.Flags.
const (
	FlagCompressed uint32 = 1 << iota
	FlagEncrypted
	FlagCRCInMeta
	FlagNoOverwrite
	FlagAtomic
	FlagUpdateOnly
	FlagAppend
	FlagDecompress
	FlagDecrypt
	FlagCompareCRC
	FlagDelete
	FlagLockWriter
	FlagLockBlocking
	FlagLockReclaimed
)

// StoreFlags encodes a store option.
func StoreFlags(opt kv.StoreOption) uint32 {
	var f uint32
	setFlag(&f, FlagCompressed, opt.Compressed)
	setFlag(&f, FlagEncrypted, opt.Encrypted)
	setFlag(&f, FlagCRCInMeta, opt.CRCInMeta)
	setFlag(&f, FlagNoOverwrite, opt.NoOverwrite)
	setFlag(&f, FlagAtomic, opt.Atomic)
	setFlag(&f, FlagUpdateOnly, opt.UpdateOnly)
	setFlag(&f, FlagAppend, opt.Append)
	return f
}

// ToStoreOption decodes a store option.
func ToStoreOption(f uint32) kv.StoreOption {
	return kv.StoreOption{
		Compressed:  f&FlagCompressed != 0,
		Encrypted:   f&FlagEncrypted != 0,
		CRCInMeta:   f&FlagCRCInMeta != 0,
		NoOverwrite: f&FlagNoOverwrite != 0,
		Atomic:      f&FlagAtomic != 0,
		UpdateOnly:  f&FlagUpdateOnly != 0,
		Append:      f&FlagAppend != 0,
	}
}

// RetrieveFlags encodes a retrieve option.
func RetrieveFlags(opt kv.RetrieveOption) uint32 {
	var f uint32
	setFlag(&f, FlagDecompress, opt.Decompress)
	setFlag(&f, FlagDecrypt, opt.Decrypt)
	setFlag(&f, FlagCompareCRC, opt.CompareCRC)
	setFlag(&f, FlagDelete, opt.Delete)
	return f
}

// ToRetrieveOption decodes a retrieve option.
func ToRetrieveOption(f uint32) kv.RetrieveOption {
	return kv.RetrieveOption{
		Decompress: f&FlagDecompress != 0,
		Decrypt:    f&FlagDecrypt != 0,
		CompareCRC: f&FlagCompareCRC != 0,
		Delete:     f&FlagDelete != 0,
	}
}

func setFlag(f *uint32, bit uint32, on bool) {
	if on {
		*f |= bit
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPutRequest creates a new Put request
func NewPutRequest(key string, value []byte, opt kv.StoreOption, crc uint32) *Message {
	return &Message{
		MsgType: MsgTKVPut,
		Key:     key,
		Value:   value,
		Flags:   StoreFlags(opt),
		CRC:     crc,
	}
}

// NewPutResponse creates a new Put response
func NewPutResponse(code kv.Result) *Message {
	return &Message{
		MsgType: MsgTKVPut,
		Code:    int32(code),
	}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string, opt kv.RetrieveOption) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
		Flags:   RetrieveFlags(opt),
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, crc uint32, code kv.Result) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Value:   value,
		CRC:     crc,
		Code:    int32(code),
	}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response
func NewDeleteResponse(code kv.Result) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Code:    int32(code),
	}
}

// NewInfoRequest creates a new container Info request
func NewInfoRequest() *Message {
	return &Message{MsgType: MsgTInfo}
}

// NewInfoResponse creates a new container Info response
func NewInfoResponse(info kv.Container) *Message {
	meta, err := json.Marshal(info)
	if err != nil {
		return NewErrorResponse(fmt.Sprintf("failed to encode container info: %v", err))
	}
	return &Message{
		MsgType: MsgTInfo,
		Meta:    meta,
	}
}

// NewAcquireRequest creates a new Acquire request
func NewAcquireRequest(req kv.LockRequest) *Message {
	msg := &Message{
		MsgType:  MsgTLCKAcquire,
		Key:      string(req.Key),
		Owner:    req.Owner,
		Request:  req.Option.RequestUUID,
		Priority: req.Option.Priority,
		Duration: int64(req.Option.Duration),
		Timeout:  int64(req.Option.WaitTimeout),
	}
	setFlag(&msg.Flags, FlagLockWriter, req.Option.Writer)
	setFlag(&msg.Flags, FlagLockBlocking, req.Option.Blocking)
	return msg
}

// NewAcquireResponse creates a new Acquire response
func NewAcquireResponse(res kv.LockResult, err error) *Message {
	msg := &Message{
		MsgType: MsgTLCKAcquire,
		Key:     string(res.Key),
		Request: res.Request,
		Status:  uint8(res.Status),
		Code:    int32(kv.ResultOf(res.Err)),
	}
	if !res.Expiry.IsZero() {
		msg.Expiry = res.Expiry.UnixNano()
	}
	setFlag(&msg.Flags, FlagLockReclaimed, res.Reclaimed)
	if err != nil {
		msg.Code = int32(kv.ResultOf(err))
		msg.Err = err.Error()
	}
	return msg
}

// NewReleaseRequest creates a new Release request
func NewReleaseRequest(key string, request uuid.UUID) *Message {
	return &Message{
		MsgType: MsgTLCKRelease,
		Key:     key,
		Request: request,
	}
}

// NewReleaseResponse creates a new Release response
func NewReleaseResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTLCKRelease,
		Ok:      ok,
	}
	if err != nil {
		msg.Code = int32(kv.ResultOf(err))
		msg.Err = err.Error()
	}
	return msg
}

// NewHeartbeatRequest creates a new Heartbeat request
func NewHeartbeatRequest(info kv.InstanceInfo) *Message {
	return &Message{
		MsgType: MsgTLCKHeartbeat,
		Owner:   info.UUID,
		Host:    info.Host,
		Port:    info.Port,
		Created: info.Created.UnixNano(),
	}
}

// NewHeartbeatResponse creates a new Heartbeat response
func NewHeartbeatResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTLCKHeartbeat,
	}
	if err != nil {
		msg.Code = int32(kv.ResultOf(err))
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVPut:
		return "put"
	case MsgTKVGet:
		return "get"
	case MsgTKVDelete:
		return "delete"
	case MsgTInfo:
		return "info"
	case MsgTLCKAcquire:
		return "acquire"
	case MsgTLCKRelease:
		return "release"
	case MsgTLCKHeartbeat:
		return "heartbeat"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for c := MsgTSuccess; c <= MsgTLCKHeartbeat; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Container operations

	MsgTKVPut    // Store a value
	MsgTKVGet    // Retrieve a value
	MsgTKVDelete // Delete a key
	MsgTInfo     // Container description and free space

	// Lock manager operations

	MsgTLCKAcquire   // Acquire a lock
	MsgTLCKRelease   // Release a lock or withdraw a waiter
	MsgTLCKHeartbeat // Instance heartbeat
)
