package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

// GenericPayload commits to an arbitrary JSON document in canonical form.
type GenericPayload struct {
	Data      json.RawMessage
	InputHash []byte
}

func (p *GenericPayload) MarshalBCS() ([]byte, error) {
	w := new(shared.BCSWriter)
	w.String(string(p.Data)).Bytes(p.InputHash)
	return w.Output(), nil
}

func (p *GenericPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Data      json.RawMessage `json:"data"`
		InputHash string          `json:"input_hash"`
	}{p.Data, hex.EncodeToString(p.InputHash)})
}

// DecodeGenericPayload parses the signed bytes of a GenericComputation envelope.
func DecodeGenericPayload(b []byte) (*GenericPayload, error) {
	r := shared.NewBCSReader(b)
	p := &GenericPayload{Data: json.RawMessage(r.String()), InputHash: r.Bytes()}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// GenericHandler signs whatever JSON it is given, after canonicalization, so
// that equal documents always produce equal payload bytes.
type GenericHandler struct{}

func (GenericHandler) Scope() shared.IntentScope { return shared.GenericComputation }

func (GenericHandler) Compute(_ context.Context, raw json.RawMessage) (Payload, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}
	sum := sha256.Sum256(canonical)
	return &GenericPayload{Data: canonical, InputHash: sum[:]}, nil
}

// CanonicalJSON re-encodes raw with sorted object keys, no insignificant
// whitespace and numbers kept exactly as written.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
