// Package protocol implements the binary frame used by the binary codec.
//
// A WebSocket message or broker delivery already has boundaries, so the frame
// does not solve stream splitting. It lets a receiver reject foreign bytes and
// learn the envelope kind before touching the JSON body.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ asw  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"swarm-rpc/message"
)

const (
	MagicNumber byte = 0x61 // 'a'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x77 // 'w'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot trigger a huge allocation.
	MaxBodySize uint32 = 64 << 20
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// MsgType is the one-byte form of message.Type. Zero is never assigned.
type MsgType byte

var msgTypes = []message.Type{
	message.TypeRequest,
	message.TypeResponse,
	message.TypeError,
	message.TypePing,
	message.TypePong,
	message.TypeInit,
	message.TypeClose,
	message.TypeServerRequest,
	message.TypeServerResponse,
	message.TypeServerError,
	message.TypeRemoteClientRequest,
	message.TypeRemoteClientResponse,
	message.TypeRemoteClientError,
}

// MsgTypeOf maps an envelope kind to its frame byte.
func MsgTypeOf(t message.Type) (MsgType, error) {
	for i, mt := range msgTypes {
		if mt == t {
			return MsgType(i + 1), nil
		}
	}
	return 0, fmt.Errorf("unsupported message type: %q", t)
}

// Envelope returns the envelope kind for a frame byte.
func (m MsgType) Envelope() (message.Type, bool) {
	if m == 0 || int(m) > len(msgTypes) {
		return "", false
	}
	return msgTypes[m-1], true
}

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame from r and validates every header field.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if _, ok := msgType.Envelope(); !ok {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
