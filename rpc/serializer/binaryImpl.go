package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/nKV/rpc/common"
	"github.com/google/uuid"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: 1 byte message type, 4 bytes presence bits (big endian), followed by
// the present fields in the order of the bits below. Strings and byte slices
// are prefixed with a 4 byte length.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey uint32 = 1 << iota
	hasValue
	hasFlags
	hasCRC
	hasOwner
	hasRequest
	hasPriority
	hasDuration
	hasTimeout
	hasStatus
	hasExpiry
	hasHost
	hasPort
	hasCreated
	hasCode
	hasOk
	hasErr
	hasMeta
)

const headerSize = 5

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := binaryWriter{buf: make([]byte, headerSize, b.sizeBytes(msg))}
	w.buf[0] = byte(msg.MsgType)

	var flags uint32
	if msg.Key != "" {
		flags |= hasKey
		w.bytes([]byte(msg.Key))
	}
	if msg.Value != nil {
		flags |= hasValue
		w.bytes(msg.Value)
	}
	if msg.Flags != 0 {
		flags |= hasFlags
		w.u32(msg.Flags)
	}
	if msg.CRC != 0 {
		flags |= hasCRC
		w.u32(msg.CRC)
	}
	if msg.Owner != uuid.Nil {
		flags |= hasOwner
		w.buf = append(w.buf, msg.Owner[:]...)
	}
	if msg.Request != uuid.Nil {
		flags |= hasRequest
		w.buf = append(w.buf, msg.Request[:]...)
	}
	if msg.Priority != 0 {
		flags |= hasPriority
		w.buf = append(w.buf, msg.Priority)
	}
	if msg.Duration != 0 {
		flags |= hasDuration
		w.u64(uint64(msg.Duration))
	}
	if msg.Timeout != 0 {
		flags |= hasTimeout
		w.u64(uint64(msg.Timeout))
	}
	if msg.Status != 0 {
		flags |= hasStatus
		w.buf = append(w.buf, msg.Status)
	}
	if msg.Expiry != 0 {
		flags |= hasExpiry
		w.u64(uint64(msg.Expiry))
	}
	if msg.Host != "" {
		flags |= hasHost
		w.bytes([]byte(msg.Host))
	}
	if msg.Port != 0 {
		flags |= hasPort
		w.u32(msg.Port)
	}
	if msg.Created != 0 {
		flags |= hasCreated
		w.u64(uint64(msg.Created))
	}
	if msg.Code != 0 {
		flags |= hasCode
		w.u32(uint32(msg.Code))
	}
	if msg.Ok {
		flags |= hasOk
		w.buf = append(w.buf, 1)
	}
	if msg.Err != "" {
		flags |= hasErr
		w.bytes([]byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		w.bytes(msg.Meta)
	}

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint32(w.buf[1:headerSize], flags)
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint32(data[1:headerSize])
	r := binaryReader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = string(r.bytes("key"))
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value")
	}
	if flags&hasFlags != 0 {
		msg.Flags = r.u32("flags")
	}
	if flags&hasCRC != 0 {
		msg.CRC = r.u32("crc")
	}
	if flags&hasOwner != 0 {
		copy(msg.Owner[:], r.fixed("owner", 16))
	}
	if flags&hasRequest != 0 {
		copy(msg.Request[:], r.fixed("request", 16))
	}
	if flags&hasPriority != 0 {
		msg.Priority = r.u8("priority")
	}
	if flags&hasDuration != 0 {
		msg.Duration = int64(r.u64("duration"))
	}
	if flags&hasTimeout != 0 {
		msg.Timeout = int64(r.u64("timeout"))
	}
	if flags&hasStatus != 0 {
		msg.Status = r.u8("status")
	}
	if flags&hasExpiry != 0 {
		msg.Expiry = int64(r.u64("expiry"))
	}
	if flags&hasHost != 0 {
		msg.Host = string(r.bytes("host"))
	}
	if flags&hasPort != 0 {
		msg.Port = r.u32("port")
	}
	if flags&hasCreated != 0 {
		msg.Created = int64(r.u64("created"))
	}
	if flags&hasCode != 0 {
		msg.Code = int32(r.u32("code"))
	}
	if flags&hasOk != 0 {
		msg.Ok = r.u8("ok") != 0
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes("err"))
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	size += 4 + 4 + 16 + 16 + 1 + 8 + 8 + 1 + 8 // fixed size fields, upper bound
	if msg.Host != "" {
		size += 4 + len(msg.Host)
	}
	size += 4 + 8 + 4 + 1
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// binaryWriter appends big endian fields
type binaryWriter struct {
	buf []byte
}

func (w *binaryWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *binaryWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *binaryWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader reads big endian fields, the first error sticks
type binaryReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binaryReader) fixed(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *binaryReader) u8(field string) uint8 {
	if b := r.fixed(field, 1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) u32(field string) uint32 {
	if b := r.fixed(field, 4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *binaryReader) u64(field string) uint64 {
	if b := r.fixed(field, 8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// bytes reads a length prefixed field into a new slice (empty, not nil, for length 0)
func (r *binaryReader) bytes(field string) []byte {
	n := r.u32(field + " length")
	b := r.fixed(field, int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
