// Package message defines the envelope exchanged between client and server.
//
// RPCMessage is serialized by the codec layer and carried as the body of a
// protocol frame. The frame's Seq, not the envelope, correlates a reply with
// its request.
package message

import "github.com/hack0303/ice/errs"

// StatusOK marks a successful reply. Any other Status is an errs.RemoteCode.
const StatusOK uint8 = 0

// RPCMessage carries a single request or reply.
//
//   - Request: ServiceMethod and Payload (the encoded args) are set. Metadata
//     carries the caller's trace context, if any.
//   - Reply:   Status is StatusOK and Payload holds the encoded result, or
//     Status is a remote code and Error describes the failure.
type RPCMessage struct {
	ServiceMethod string `json:"service_method,omitempty" cbor:"1,keyasint,omitempty"` // "Service.Method"
	Status        uint8  `json:"status,omitempty" cbor:"2,keyasint,omitempty"`
	Error         string `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
	Payload       []byte            `json:"payload,omitempty" cbor:"4,keyasint,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" cbor:"5,keyasint,omitempty"`
}

// Failure builds a reply reporting a remote failure.
func Failure(serviceMethod string, code errs.RemoteCode, msg string) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Status: uint8(code), Error: msg}
}

// Raw converts a decoded reply into the form the dispatcher classifies.
func (m *RPCMessage) Raw() errs.Raw {
	return errs.Raw{Status: m.Status, Message: m.Error, Payload: m.Payload}
}

// Failed reports whether the reply carries a remote failure.
func (m *RPCMessage) Failed() bool {
	return m.Status != StatusOK
}
