// Package protocol frames messages on a byte stream: a fixed 14-byte header
// followed by a body of the length the header announces.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Seq is the correlation identity: a reply carries the Seq of its request.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14

	// MaxBodyLen bounds what Decode will allocate for one frame.
	MaxBodyLen uint32 = 16 << 20
)

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // twoway request, expects a reply with the same Seq
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
	MsgTypeOneway    MsgType = 3 // request with no reply
)

// Codec types accepted in a header. Mirrors the codec package, which cannot be
// imported here without a cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeCBOR   byte = 2
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedCodec   = errors.New("unsupported codec type")
	ErrUnsupportedMsgType = errors.New("unsupported message type")
	ErrBodyTooLarge       = errors.New("frame body too large")
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32
	BodyLen   uint32
}

// Encode writes header and body to w in a single Write. BodyLen is taken from
// body. Callers sharing w between goroutines must serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. A malformed header is an error: the stream
// cannot be resynchronized after it.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}

	if hb[0] != MagicNumber || hb[1] != MagicByte2 || hb[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrInvalidMagic, "%x", hb[0:3])
	}
	if hb[3] != Version {
		return nil, nil, errors.Wrapf(ErrUnsupportedVersion, "%d", hb[3])
	}
	if hb[4] > CodecTypeCBOR {
		return nil, nil, errors.Wrapf(ErrUnsupportedCodec, "%d", hb[4])
	}
	if MsgType(hb[5]) > MsgTypeOneway {
		return nil, nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", hb[5])
	}

	h := &Header{
		CodecType: hb[4],
		MsgType:   MsgType(hb[5]),
		Seq:       binary.BigEndian.Uint32(hb[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hb[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
