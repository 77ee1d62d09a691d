package codec

import (
	"encoding/binary"
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/hack0303/ice/message"
)

// BinaryCodec lays the envelope out by hand:
//
//	methodLen u16 | method | status u8 | payloadLen u32 | payload | errLen u16 | error |
//	metaCount u16 | (keyLen u16 | key | valueLen u16 | value) * metaCount
type BinaryCodec struct{}

var (
	errNotMessage = errors.New("BinaryCodec: v must be *RPCMessage")
	// ErrTruncated is returned when the data ends inside a field.
	ErrTruncated = errors.New("BinaryCodec: truncated message")
)

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.ServiceMethod) > 0xffff || len(msg.Error) > 0xffff {
		return nil, errors.New("BinaryCodec: service method or error too long")
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+1+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = append(buf, msg.Status)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)

	if len(msg.Metadata) > 0xffff {
		return nil, errors.New("BinaryCodec: too much metadata")
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Metadata)))
	for _, k := range slices.Sorted(maps.Keys(msg.Metadata)) {
		v := msg.Metadata[k]
		if len(k) > 0xffff || len(v) > 0xffff {
			return nil, errors.Errorf("BinaryCodec: metadata %q too long", k)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}

	r := reader{data: data}
	method := r.next(int(r.uint16()))
	status := r.next(1)
	payload := r.next(int(r.uint32()))
	errText := r.next(int(r.uint16()))
	var md map[string]string
	if n := int(r.uint16()); n > 0 {
		md = make(map[string]string, n)
		for range n {
			k := r.next(int(r.uint16()))
			v := r.next(int(r.uint16()))
			if r.short {
				break
			}
			md[string(k)] = string(v)
		}
	}
	if r.short {
		return ErrTruncated
	}

	msg.ServiceMethod = string(method)
	msg.Status = status[0]
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	msg.Metadata = md
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks data, remembering whether it ran out instead of panicking.
type reader struct {
	data  []byte
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n > len(r.data) {
		r.short = true
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
