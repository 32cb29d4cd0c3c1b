package shared

import "errors"

// Error kinds surfaced by the signing core. Callers match them with errors.Is;
// every site that returns one wraps it with context.
var (
	// ErrKeyGeneration is fatal: the process must not serve without a signing identity.
	ErrKeyGeneration = errors.New("signing key generation failed")

	ErrClock         = errors.New("wall clock unavailable")
	ErrSerialization = errors.New("payload serialization failed")

	// ErrAttestationUnavailable is returned instead of a fabricated or stale document.
	ErrAttestationUnavailable = errors.New("attestation unavailable")

	// Codec failures.
	ErrMalformedEnvelope = errors.New("malformed intent envelope")
	ErrUnknownScope      = errors.New("unknown intent scope")
	ErrInvalidSignature  = errors.New("invalid envelope signature")

	// ErrHandlerComputation wraps whatever the business logic failed with.
	ErrHandlerComputation = errors.New("handler computation failed")
)
