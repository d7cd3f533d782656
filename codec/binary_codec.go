package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"unary-rpc/message"
)

// BinaryCodec encodes *message.RPCMessage values in a compact length-prefixed
// layout. All integers are big-endian.
//
//	serviceMethod  u16 len, bytes
//	metadata       u16 count, then count × (u16 len, key, u16 len, value)
//	payload        u32 len, bytes
//	code           u32
//	error          u32 len, bytes
//	details        u32 len, bytes
//
// Metadata keys are written in sorted order so that encoding is
// deterministic.
type BinaryCodec struct{}

var errNotMessage = errors.New("BinaryCodec: value must be *message.RPCMessage")

func (BinaryCodec) Type() CodecType { return CodecTypeBinary }

func (BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.ServiceMethod) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: service method too long (%d bytes)", len(msg.ServiceMethod))
	}
	if len(msg.Metadata) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: too many metadata entries (%d)", len(msg.Metadata))
	}

	size := 2 + len(msg.ServiceMethod) + 2 + 4 + len(msg.Payload) + 4 + 4 + len(msg.Error) + 4 + len(msg.Details)
	keys := make([]string, 0, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if len(k) > 0xffff || len(v) > 0xffff {
			return nil, fmt.Errorf("BinaryCodec: metadata entry %q too long", k)
		}
		keys = append(keys, k)
		size += 4 + len(k) + len(v)
	}
	slices.Sort(keys)

	buf := make([]byte, 0, size)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Metadata[k])
	}
	buf = appendBytes32(buf, msg.Payload)
	buf = binary.BigEndian.AppendUint32(buf, msg.Code)
	buf = appendBytes32(buf, []byte(msg.Error))
	buf = appendBytes32(buf, msg.Details)
	return buf, nil
}

func (BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}
	r := reader{data: data}
	var out message.RPCMessage
	out.ServiceMethod = string(r.take(r.u16()))
	if n := r.u16(); n > 0 {
		out.Metadata = make(map[string]string, n)
		for range n {
			k := string(r.take(r.u16()))
			out.Metadata[k] = string(r.take(r.u16()))
		}
	}
	out.Payload = r.copied(r.len32())
	out.Code = r.u32()
	out.Error = string(r.take(r.len32()))
	out.Details = r.copied(r.len32())
	if r.err != nil {
		return r.err
	}
	if len(r.data) != 0 {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(r.data))
	}
	*msg = out
	return nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes32(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader consumes data from the front. After the first short read, every
// method returns a zero value and err is set.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = fmt.Errorf("BinaryCodec: truncated message (want %d bytes, have %d)", n, len(r.data))
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) u16() int {
	if b := r.take(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

// len32 reads a u32 length prefix.
func (r *reader) len32() int { return int(r.u32()) }

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// copied is as take, but returns a fresh slice, or nil if empty.
func (r *reader) copied(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return slices.Clone(b)
}
