package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Platform names the TEE the enclave believes it runs on.
type Platform string

const (
	PlatformNitro      Platform = "nitro"
	PlatformGCP        Platform = "gcp"
	PlatformStandalone Platform = "standalone"
)

// ParsePlatform reads a PLATFORM value. Empty means standalone, so a hardware
// platform is only ever selected explicitly.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformNitro, PlatformGCP, PlatformStandalone:
		return p, nil
	case "":
		return PlatformStandalone, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// AttestationDocument binds PublicKey to the enclave measurement contained in
// Document. Type selects how Document is parsed.
type AttestationDocument struct {
	Type      Platform
	Document  []byte
	PublicKey []byte
}

type attestationDocumentJSON struct {
	Attestation string   `json:"attestation"`
	Type        Platform `json:"type"`
	PublicKey   string   `json:"public_key"`
}

func (d *AttestationDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(attestationDocumentJSON{
		Attestation: hex.EncodeToString(d.Document),
		Type:        d.Type,
		PublicKey:   hex.EncodeToString(d.PublicKey),
	})
}

func (d *AttestationDocument) UnmarshalJSON(b []byte) error {
	var raw attestationDocumentJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	doc, err := hex.DecodeString(raw.Attestation)
	if err != nil {
		return fmt.Errorf("attestation: %w", err)
	}
	pk, err := hex.DecodeString(raw.PublicKey)
	if err != nil {
		return fmt.Errorf("public_key: %w", err)
	}
	*d = AttestationDocument{Type: raw.Type, Document: doc, PublicKey: pk}
	return nil
}

// Attester produces a fresh attestation document over a public key. Every
// failure wraps ErrAttestationUnavailable; implementations never fall back
// to an unattested document.
type Attester interface {
	Platform() Platform
	Attest(ctx context.Context, publicKey []byte) (*AttestationDocument, error)
}

// StandaloneDocument is the body emitted by StandaloneAttester. It carries no
// hardware evidence and verifiers reject it unless told otherwise.
type StandaloneDocument struct {
	Platform  Platform `json:"platform"`
	PublicKey string   `json:"public_key"`
	IssuedAt  int64    `json:"issued_at"`
	Note      string   `json:"note"`
}

// StandaloneAttester is used for local development outside any TEE.
type StandaloneAttester struct {
	Clock Clock
}

func (StandaloneAttester) Platform() Platform { return PlatformStandalone }

func (a StandaloneAttester) Attest(_ context.Context, publicKey []byte) (*AttestationDocument, error) {
	clock := a.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	now, err := clock.Now()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUnavailable, err)
	}
	doc, err := json.Marshal(StandaloneDocument{
		Platform:  PlatformStandalone,
		PublicKey: hex.EncodeToString(publicKey),
		IssuedAt:  now.UnixMilli(),
		Note:      "not produced by a trusted execution environment",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUnavailable, err)
	}
	return &AttestationDocument{
		Type:      PlatformStandalone,
		Document:  doc,
		PublicKey: append([]byte(nil), publicKey...),
	}, nil
}

// attestTimeout bounds a single platform attestation request.
const attestTimeout = 10 * time.Second
