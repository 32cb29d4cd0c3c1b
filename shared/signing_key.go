package shared

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyScheme names the signature algorithm behind the process signing key.
type KeyScheme string

const (
	// SchemeEd25519 is the default; it matches ed25519::ed25519_verify in Move.
	SchemeEd25519 KeyScheme = "ed25519"
	// SchemeSecp256k1 signs the EIP-191 text hash of the message so that
	// ecrecover-based verifiers can check it.
	SchemeSecp256k1 KeyScheme = "secp256k1"
)

func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(s) {
	case SchemeEd25519, "":
		return SchemeEd25519, nil
	case SchemeSecp256k1:
		return SchemeSecp256k1, nil
	default:
		return "", fmt.Errorf("unsupported key scheme %q", s)
	}
}

const seedSize = 32

// KeyStore holds the single signing identity of the process. It is immutable
// after GenerateKeyStore returns and safe for concurrent use.
type KeyStore struct {
	scheme    KeyScheme
	edKey     ed25519.PrivateKey
	ecKey     *ecdsa.PrivateKey
	publicKey []byte
}

// GenerateKeyStore draws a fresh seed from entropy (the NSM device inside a
// Nitro enclave, crypto/rand elsewhere). Any failure is ErrKeyGeneration.
func GenerateKeyStore(entropy io.Reader, scheme KeyScheme) (*KeyStore, error) {
	if entropy == nil {
		return nil, fmt.Errorf("%w: no entropy source", ErrKeyGeneration)
	}
	seed := make([]byte, seedSize)
	defer zero(seed)

	switch scheme {
	case SchemeEd25519:
		if _, err := io.ReadFull(entropy, seed); err != nil {
			return nil, fmt.Errorf("%w: reading entropy: %v", ErrKeyGeneration, err)
		}
		key := ed25519.NewKeyFromSeed(seed)
		return &KeyStore{
			scheme:    scheme,
			edKey:     key,
			publicKey: bytes.Clone(key.Public().(ed25519.PublicKey)),
		}, nil

	case SchemeSecp256k1:
		// A seed outside [1, n) is rejected by ToECDSA; draw again.
		for attempt := 0; attempt < 4; attempt++ {
			if _, err := io.ReadFull(entropy, seed); err != nil {
				return nil, fmt.Errorf("%w: reading entropy: %v", ErrKeyGeneration, err)
			}
			key, err := crypto.ToECDSA(seed)
			if err != nil {
				continue
			}
			return &KeyStore{
				scheme:    scheme,
				ecKey:     key,
				publicKey: crypto.CompressPubkey(&key.PublicKey),
			}, nil
		}
		return nil, fmt.Errorf("%w: entropy produced no valid secp256k1 scalar", ErrKeyGeneration)

	default:
		return nil, fmt.Errorf("%w: unsupported key scheme %q", ErrKeyGeneration, scheme)
	}
}

func (ks *KeyStore) Scheme() KeyScheme {
	return ks.scheme
}

// PublicKey returns a copy of the verification key: 32 raw bytes for
// ed25519, the 33 byte compressed point for secp256k1.
func (ks *KeyStore) PublicKey() []byte {
	return bytes.Clone(ks.publicKey)
}

// Sign is deterministic for both schemes (RFC 8032, RFC 6979).
func (ks *KeyStore) Sign(msg []byte) ([]byte, error) {
	switch ks.scheme {
	case SchemeEd25519:
		return ed25519.Sign(ks.edKey, msg), nil
	case SchemeSecp256k1:
		sig, err := crypto.Sign(accounts.TextHash(msg), ks.ecKey)
		if err != nil {
			return nil, fmt.Errorf("secp256k1 sign: %w", err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("unsupported key scheme %q", ks.scheme)
	}
}

// EthAddress is the Ethereum address of a secp256k1 key, empty otherwise.
func (ks *KeyStore) EthAddress() string {
	if ks.ecKey == nil {
		return ""
	}
	return crypto.PubkeyToAddress(ks.ecKey.PublicKey).Hex()
}

// VerifySignature checks sig over msg under publicKey. It is only used by
// relying parties and tests, never by the signing path.
func VerifySignature(scheme KeyScheme, publicKey, msg, sig []byte) error {
	switch scheme {
	case SchemeEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: invalid ed25519 public key length %d", ErrInvalidSignature, len(publicKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig) {
			return fmt.Errorf("%w: ed25519 verification failed", ErrInvalidSignature)
		}
		return nil

	case SchemeSecp256k1:
		if len(sig) != crypto.SignatureLength {
			return fmt.Errorf("%w: expected %d byte secp256k1 signature, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
		}
		expected, err := crypto.DecompressPubkey(publicKey)
		if err != nil {
			return fmt.Errorf("%w: invalid secp256k1 public key: %v", ErrInvalidSignature, err)
		}
		recovered, err := crypto.SigToPub(accounts.TextHash(msg), sig)
		if err != nil {
			return fmt.Errorf("%w: failed to recover public key from signature: %v", ErrInvalidSignature, err)
		}
		if crypto.PubkeyToAddress(*expected) != crypto.PubkeyToAddress(*recovered) {
			return fmt.Errorf("%w: signer %s does not match %s", ErrInvalidSignature,
				crypto.PubkeyToAddress(*recovered).Hex(), crypto.PubkeyToAddress(*expected).Hex())
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported key scheme %q", ErrInvalidSignature, scheme)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
