// Package verifier checks signed envelopes and the attestation documents
// that bind their public keys to an enclave measurement. It runs outside the
// enclave, on the relying party's side.
package verifier

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

var (
	ErrAttestationInvalid  = errors.New("attestation document invalid")
	ErrUntrustedPlatform   = errors.New("attestation platform not trusted")
	ErrKeyMismatch         = errors.New("envelope key is not the attested key")
	ErrMeasurementMismatch = errors.New("enclave measurement mismatch")
	ErrScopeMismatch       = errors.New("envelope scope mismatch")
	ErrDebugEnclave        = errors.New("attestation comes from a debug-mode enclave")
)

// Options controls which attestations are accepted.
type Options struct {
	// ExpectedMeasurement is PCR0 (hex) on Nitro or the container image
	// digest on GCP. Empty skips the comparison.
	ExpectedMeasurement string
	// AllowStandalone accepts development documents that carry no hardware
	// evidence. Never set it in production.
	AllowStandalone bool
	// AllowDebug accepts Nitro enclaves started with --debug-mode and
	// Confidential Space debug images. Their memory is readable by the host.
	AllowDebug bool
	// GCPRoots overrides the embedded Confidential Space root.
	GCPRoots *x509.CertPool
	// GCPAudience, when set, must appear in the token's aud claim.
	GCPAudience string
	// Now overrides the clock used for certificate and token validity.
	Now func() time.Time
	// Logger receives rejected attestations as security events.
	Logger *shared.Logger
}

// Attested is the outcome of a successful attestation check.
type Attested struct {
	Platform    shared.Platform
	Measurement string
	PublicKey   []byte
}

// VerifyAttestation validates doc and returns the public key it binds.
func VerifyAttestation(doc *shared.AttestationDocument, opts Options) (*Attested, error) {
	att, err := verifyAttestation(doc, opts)
	if err != nil && opts.Logger != nil {
		var platform shared.Platform
		if doc != nil {
			platform = doc.Type
		}
		opts.Logger.Security("Attestation rejected",
			zap.String("platform", string(platform)),
			zap.Error(err))
	}
	return att, err
}

func verifyAttestation(doc *shared.AttestationDocument, opts Options) (*Attested, error) {
	if doc == nil || len(doc.Document) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrAttestationInvalid)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var res *Attested
	switch doc.Type {
	case shared.PlatformNitro:
		nr, err := verifyNitroDocument(doc.Document)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
		}
		if res, err = nr.attested(opts.AllowDebug); err != nil {
			return nil, err
		}

	case shared.PlatformGCP:
		roots := opts.GCPRoots
		if roots == nil {
			var err error
			if roots, err = GoogleRoots(); err != nil {
				return nil, err
			}
		}
		claims, err := verifyGCPToken(doc.Document, roots, opts.GCPAudience, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
		}
		if err := claims.checkEnvironment(opts.AllowDebug); err != nil {
			return nil, err
		}
		if len(claims.Nonce) == 0 {
			return nil, fmt.Errorf("%w: eat_nonce claim not found", ErrAttestationInvalid)
		}
		pk, err := hex.DecodeString(claims.Nonce[0])
		if err != nil {
			return nil, fmt.Errorf("%w: eat_nonce is not a hex public key: %v", ErrAttestationInvalid, err)
		}
		res = &Attested{Platform: shared.PlatformGCP, Measurement: claims.Submods.Container.ImageDigest, PublicKey: pk}

	case shared.PlatformStandalone:
		if !opts.AllowStandalone {
			return nil, fmt.Errorf("%w: standalone documents carry no hardware evidence", ErrUntrustedPlatform)
		}
		var sd shared.StandaloneDocument
		if err := json.Unmarshal(doc.Document, &sd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
		}
		pk, err := hex.DecodeString(sd.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public_key: %v", ErrAttestationInvalid, err)
		}
		res = &Attested{Platform: shared.PlatformStandalone, PublicKey: pk}

	default:
		return nil, fmt.Errorf("%w: unknown attestation type %q", ErrUntrustedPlatform, doc.Type)
	}

	if len(res.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: document binds no public key", ErrAttestationInvalid)
	}
	// The public_key field next to the document is only a hint; it must agree.
	if len(doc.PublicKey) > 0 && !bytes.Equal(doc.PublicKey, res.PublicKey) {
		return nil, fmt.Errorf("%w: document binds %x, response claims %x", ErrKeyMismatch, res.PublicKey, doc.PublicKey)
	}
	if opts.ExpectedMeasurement != "" && !strings.EqualFold(opts.ExpectedMeasurement, res.Measurement) {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrMeasurementMismatch, res.Measurement, opts.ExpectedMeasurement)
	}
	return res, nil
}

// VerifyEnvelope checks the signature of env under its own public key and,
// when expected is non-nil, that it was issued under that scope.
func VerifyEnvelope(env *shared.SignedEnvelope, expected *shared.IntentScope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", shared.ErrMalformedEnvelope)
	}
	if expected != nil && env.Scope != *expected {
		return fmt.Errorf("%w: got %s, want %s", ErrScopeMismatch, env.Scope, *expected)
	}
	return env.Verify()
}

// VerifyAttestedEnvelope is the full relying-party check: the attestation is
// genuine, the envelope's key is the attested key, and the signature holds.
func VerifyAttestedEnvelope(env *shared.SignedEnvelope, doc *shared.AttestationDocument, expected *shared.IntentScope, opts Options) (*Attested, error) {
	att, err := VerifyAttestation(doc, opts)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", shared.ErrMalformedEnvelope)
	}
	if !bytes.Equal(env.PublicKey, att.PublicKey) {
		return nil, fmt.Errorf("%w: envelope %x, attested %x", ErrKeyMismatch, env.PublicKey, att.PublicKey)
	}
	if err := VerifyEnvelope(env, expected); err != nil {
		return nil, err
	}
	return att, nil
}
