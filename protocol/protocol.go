// Package protocol implements the binary frame format spoken between rpcd
// peers.
//
// Each frame is a fixed 14-byte header followed by a body of the length the
// header announces. The receiver reads the header first and then exactly
// BodyLen bytes, so frames can be read back-to-back from a stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ urp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "urp" identify a frame. A connection whose first bytes do not
// match is rejected.
const (
	MagicByte1 byte = 0x75 // 'u'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 14 // magic(3) + version(1) + codec(1) + msgType(1) + seq(4) + bodyLen(4)

	// MaxBodyLen bounds the body of a single frame.
	MaxBodyLen = 16 << 20
)

// MsgType distinguishes the kinds of frame.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // client → server call
	MsgTypeResponse  MsgType = 1 // server → client result
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, empty body
	MsgTypeCancel    MsgType = 3 // client → server, abandons call Seq; empty body
)

func (m MsgType) String() string {
	switch m {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeCancel:
		return "cancel"
	default:
		return fmt.Sprintf("msgtype:%d", byte(m))
	}
}

func (m MsgType) valid() bool { return m <= MsgTypeCancel }

// Codec identifiers carried in the header. They match codec.CodecType.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrBodyTooLarge is reported for a frame whose body exceeds MaxBodyLen.
var ErrBodyTooLarge = errors.New("frame body too large")

// Header is the fixed frame header.
type Header struct {
	CodecType byte    // body encoding, see CodecTypeJSON and CodecTypeBinary
	MsgType   MsgType // kind of frame
	Seq       uint32  // call identifier, echoed in the response or cancel frame
	BodyLen   uint32  // length of the body in bytes
}

// Encode writes a frame with header h and the given body to w. The BodyLen
// field of h is ignored; the length of body is written instead.
//
// Encode issues a single write. Callers sharing w between goroutines must
// still serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("encode %v frame: %w (%d bytes)", h.MsgType, ErrBodyTooLarge, len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. It reports io.EOF if r is exhausted before
// the first byte of the header.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return nil, nil, err
	}
	if hbuf[0] != MagicByte1 || hbuf[1] != MagicByte2 || hbuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", hbuf[0:3])
	}
	if hbuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", hbuf[3])
	}
	if hbuf[4] != CodecTypeJSON && hbuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", hbuf[4])
	}
	mt := MsgType(hbuf[5])
	if !mt.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", hbuf[5])
	}

	h := &Header{
		CodecType: hbuf[4],
		MsgType:   mt,
		Seq:       binary.BigEndian.Uint32(hbuf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hbuf[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("decode %v frame: %w (%d bytes)", mt, ErrBodyTooLarge, h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return h, body, nil
}
