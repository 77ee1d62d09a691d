// Package codec serializes the RPCMessage envelope. The codec type travels in
// every frame header, so a reply is always decoded with the codec its request
// was sent with.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeCBOR   CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// ErrUnknownCodec is returned for a codec type no codec is registered for.
var ErrUnknownCodec = errors.New("codec: unknown codec type")

// GetCodec returns the codec for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	case CodecTypeCBOR:
		return &CBORCodec{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "type %d", codecType)
}

// ParseCodecType maps a configuration name ("json", "binary", "cbor") to a type.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, errors.Wrapf(ErrUnknownCodec, "name %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeCBOR:
		return "cbor"
	}
	return "unknown"
}
