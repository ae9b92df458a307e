// Package protocol implements the binary frame protocol that carries
// envelopes between a restrpc client and its peer.
//
// A fixed 17-byte header is followed by a variable-length body. The reader
// takes the header first to learn the body length, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0      3  4  5                 13        17
//	┌──────┬──┬──┬─────────────────┬─────────┬───────────────┐
//	│magic │v │mt│      reqID      │ bodyLen │    body ...    │
//	│ rrp  │01│  │     uint64      │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "rrp" (rest rpc protocol).
const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 17 // 3 (magic) + 1 (version) + 1 (msgType) + 8 (reqID) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body to 10 MiB.
	MaxBodyLen uint32 = 10 << 20
)

// MsgType distinguishes the frames exchanged on a connection.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server: body is a request envelope
	MsgTypeResponse  MsgType = 1 // Server → Client: body is a reply envelope, may be empty
	MsgTypeError     MsgType = 2 // Server → Client: body is a UTF-8 error message
	MsgTypeHeartbeat MsgType = 3 // keepalive, no body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeError:
		return "error"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("MsgType(%d)", byte(t))
}

// Header is the fixed frame header.
type Header struct {
	MsgType MsgType
	ReqID   uint64 // correlation id chosen by the client, echoed by the server
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing w, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Errorf("body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[5:13], h.ReqID)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame so a failed write never leaves half a header behind a body.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, errors.Errorf("unsupported message type: %d", headerBuf[4])
	}

	reqID := binary.BigEndian.Uint64(headerBuf[5:13])
	bodyLen := binary.BigEndian.Uint32(headerBuf[13:17])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		MsgType: msgType,
		ReqID:   reqID,
		BodyLen: bodyLen,
	}, body, nil
}
