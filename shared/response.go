package shared

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Clock reads wall-clock time for envelope timestamps.
type Clock interface {
	Now() (time.Time, error)
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() (time.Time, error) {
	return time.Now(), nil
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() (time.Time, error)

func (f ClockFunc) Now() (time.Time, error) {
	return f()
}

// PayloadMarshaler is implemented by every handler result.
type PayloadMarshaler interface {
	MarshalBCS() ([]byte, error)
}

// SignedEnvelope is returned to callers and never mutated after Build.
type SignedEnvelope struct {
	Payload     []byte
	TimestampMs uint64
	Scope       IntentScope
	Signature   []byte
	PublicKey   []byte
	KeyScheme   KeyScheme
}

// Message reconstructs the exact bytes the signature covers.
func (e *SignedEnvelope) Message() ([]byte, error) {
	return EncodeIntent(e.Scope, e.TimestampMs, e.Payload)
}

// Verify checks the envelope's signature against its own stated public key.
// Binding that key to an enclave is the attestation verifier's job.
func (e *SignedEnvelope) Verify() error {
	msg, err := e.Message()
	if err != nil {
		return err
	}
	return VerifySignature(e.KeyScheme, e.PublicKey, msg, e.Signature)
}

type signedEnvelopeJSON struct {
	Payload   string          `json:"payload"`
	Timestamp uint64          `json:"timestamp"`
	Scope     IntentScope     `json:"scope"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
	KeyScheme KeyScheme       `json:"key_scheme"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON renders byte fields as lowercase hex without prefix.
func (e *SignedEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedEnvelopeJSON{
		Payload:   hex.EncodeToString(e.Payload),
		Timestamp: e.TimestampMs,
		Scope:     e.Scope,
		Signature: hex.EncodeToString(e.Signature),
		PublicKey: hex.EncodeToString(e.PublicKey),
		KeyScheme: e.KeyScheme,
	})
}

func (e *SignedEnvelope) UnmarshalJSON(b []byte) error {
	var raw signedEnvelopeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var err error
	out := SignedEnvelope{TimestampMs: raw.Timestamp, Scope: raw.Scope, KeyScheme: raw.KeyScheme}
	if out.Payload, err = hex.DecodeString(raw.Payload); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	if out.Signature, err = hex.DecodeString(raw.Signature); err != nil {
		return fmt.Errorf("%w: signature: %v", ErrMalformedEnvelope, err)
	}
	if out.PublicKey, err = hex.DecodeString(raw.PublicKey); err != nil {
		return fmt.Errorf("%w: public_key: %v", ErrMalformedEnvelope, err)
	}
	if out.KeyScheme == "" {
		out.KeyScheme = SchemeEd25519
	}
	*e = out
	return nil
}

// ProcessDataRequest is the inbound body of every compute route.
type ProcessDataRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// ProcessedDataResponse carries the envelope plus an unsigned JSON view of
// the payload for display. Only Response.Payload is covered by the signature.
type ProcessedDataResponse struct {
	Response *SignedEnvelope
	Data     json.RawMessage
}

func (r ProcessedDataResponse) MarshalJSON() ([]byte, error) {
	env, err := json.Marshal(r.Response)
	if err != nil {
		return nil, err
	}
	if len(r.Data) > 0 {
		var inner signedEnvelopeJSON
		if err := json.Unmarshal(env, &inner); err != nil {
			return nil, err
		}
		inner.Data = r.Data
		if env, err = json.Marshal(inner); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		Response json.RawMessage `json:"response"`
	}{Response: env})
}

func (r *ProcessedDataResponse) UnmarshalJSON(b []byte) error {
	var outer struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(b, &outer); err != nil {
		return err
	}
	if len(outer.Response) == 0 {
		return fmt.Errorf("%w: missing response", ErrMalformedEnvelope)
	}
	env := new(SignedEnvelope)
	if err := env.UnmarshalJSON(outer.Response); err != nil {
		return err
	}
	var data struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(outer.Response, &data); err != nil {
		return err
	}
	r.Response = env
	r.Data = data.Data
	return nil
}

// ResponseBuilder is the single choke point every computed result passes
// through before it leaves the enclave.
type ResponseBuilder struct {
	keys  *KeyStore
	clock Clock
}

func NewResponseBuilder(keys *KeyStore, clock Clock) *ResponseBuilder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ResponseBuilder{keys: keys, clock: clock}
}

func (b *ResponseBuilder) PublicKey() []byte {
	return b.keys.PublicKey()
}

func (b *ResponseBuilder) KeyScheme() KeyScheme {
	return b.keys.Scheme()
}

// Build timestamps, encodes and signs payload under scope. It returns either
// a complete envelope or an error, never both, and never retries: the caller
// recomputes the payload if it wants another attempt.
func (b *ResponseBuilder) Build(scope IntentScope, payload []byte) (*SignedEnvelope, error) {
	now, err := b.clock.Now()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClock, err)
	}
	ms := now.UnixMilli()
	if ms < 0 {
		return nil, fmt.Errorf("%w: %s is before the unix epoch", ErrClock, now.UTC().Format(time.RFC3339))
	}
	timestamp := uint64(ms)

	msg, err := EncodeIntent(scope, timestamp, payload)
	if err != nil {
		return nil, err
	}
	sig, err := b.keys.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("signing intent message: %w", err)
	}

	return &SignedEnvelope{
		Payload:     append([]byte(nil), payload...),
		TimestampMs: timestamp,
		Scope:       scope,
		Signature:   sig,
		PublicKey:   b.keys.PublicKey(),
		KeyScheme:   b.keys.Scheme(),
	}, nil
}

// BuildPayload serializes p and signs it under scope.
func (b *ResponseBuilder) BuildPayload(scope IntentScope, p PayloadMarshaler) (*SignedEnvelope, error) {
	payload, err := p.MarshalBCS()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b.Build(scope, payload)
}
