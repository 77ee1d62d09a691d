package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes the envelope as CBOR with integer keys: compact like the
// binary codec, but self-describing.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
