package shared

import (
	"encoding/binary"
	"fmt"
)

// intentHeaderLen is the fixed prefix of every signed message: one scope byte
// followed by an eight byte little-endian millisecond timestamp.
const intentHeaderLen = 1 + 8

// IntentMessage is the canonical signable unit.
type IntentMessage struct {
	Scope       IntentScope
	TimestampMs uint64
	// Payload holds the handler's canonical (BCS) serialization of its result.
	Payload []byte
}

// EncodeIntent returns the exact bytes that get signed:
//
//	scope (u8) || timestamp_ms (u64 LE) || payload
//
// This equals the BCS encoding of IntentMessage<T> when payload is bcs(T).
// The header is fixed width, so the payload is unambiguously the tail.
func EncodeIntent(scope IntentScope, timestampMs uint64, payload []byte) ([]byte, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScope, uint8(scope))
	}
	out := make([]byte, intentHeaderLen, intentHeaderLen+len(payload))
	out[0] = byte(scope)
	binary.LittleEndian.PutUint64(out[1:intentHeaderLen], timestampMs)
	return append(out, payload...), nil
}

// Encode is EncodeIntent on the receiver's fields.
func (m IntentMessage) Encode() ([]byte, error) {
	return EncodeIntent(m.Scope, m.TimestampMs, m.Payload)
}

// DecodeIntent parses bytes produced by EncodeIntent.
func DecodeIntent(b []byte) (IntentMessage, error) {
	if len(b) < intentHeaderLen {
		return IntentMessage{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedEnvelope, len(b), intentHeaderLen)
	}
	scope := IntentScope(b[0])
	if !scope.Valid() {
		return IntentMessage{}, fmt.Errorf("%w: tag %d", ErrUnknownScope, b[0])
	}
	payload := make([]byte, len(b)-intentHeaderLen)
	copy(payload, b[intentHeaderLen:])
	return IntentMessage{
		Scope:       scope,
		TimestampMs: binary.LittleEndian.Uint64(b[1:intentHeaderLen]),
		Payload:     payload,
	}, nil
}
