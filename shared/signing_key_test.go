package shared

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedEntropy(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 64))
}

func TestGenerateKeyStoreEd25519(t *testing.T) {
	ks, err := GenerateKeyStore(fixedEntropy(1), SchemeEd25519)
	require.NoError(t, err)
	require.Equal(t, SchemeEd25519, ks.Scheme())
	require.Len(t, ks.PublicKey(), ed25519.PublicKeySize)
	require.Empty(t, ks.EthAddress())

	again, err := GenerateKeyStore(fixedEntropy(1), SchemeEd25519)
	require.NoError(t, err)
	require.Equal(t, ks.PublicKey(), again.PublicKey())

	other, err := GenerateKeyStore(fixedEntropy(2), SchemeEd25519)
	require.NoError(t, err)
	require.NotEqual(t, ks.PublicKey(), other.PublicKey())
}

func TestKeyStorePublicKeyIsCopied(t *testing.T) {
	ks, err := GenerateKeyStore(rand.Reader, SchemeEd25519)
	require.NoError(t, err)

	pk := ks.PublicKey()
	pk[0] ^= 0xff
	require.NotEqual(t, pk, ks.PublicKey())
}

func TestKeyStoreSignVerify(t *testing.T) {
	for _, scheme := range []KeyScheme{SchemeEd25519, SchemeSecp256k1} {
		t.Run(string(scheme), func(t *testing.T) {
			ks, err := GenerateKeyStore(rand.Reader, scheme)
			require.NoError(t, err)

			msg := []byte("hello enclave")
			sig, err := ks.Sign(msg)
			require.NoError(t, err)
			require.NoError(t, VerifySignature(scheme, ks.PublicKey(), msg, sig))

			sig2, err := ks.Sign(msg)
			require.NoError(t, err)
			require.Equal(t, sig, sig2, "signing must be deterministic")

			err = VerifySignature(scheme, ks.PublicKey(), []byte("hello enclavE"), sig)
			require.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestSecp256k1KeyStore(t *testing.T) {
	ks, err := GenerateKeyStore(rand.Reader, SchemeSecp256k1)
	require.NoError(t, err)
	require.Len(t, ks.PublicKey(), 33)
	require.Regexp(t, "^0x[0-9a-fA-F]{40}$", ks.EthAddress())

	other, err := GenerateKeyStore(rand.Reader, SchemeSecp256k1)
	require.NoError(t, err)
	sig, err := ks.Sign([]byte("m"))
	require.NoError(t, err)
	require.ErrorIs(t, VerifySignature(SchemeSecp256k1, other.PublicKey(), []byte("m"), sig), ErrInvalidSignature)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }

func TestGenerateKeyStoreFailures(t *testing.T) {
	_, err := GenerateKeyStore(nil, SchemeEd25519)
	require.ErrorIs(t, err, ErrKeyGeneration)

	_, err = GenerateKeyStore(failingReader{}, SchemeEd25519)
	require.ErrorIs(t, err, ErrKeyGeneration)

	_, err = GenerateKeyStore(bytes.NewReader(make([]byte, 10)), SchemeEd25519)
	require.ErrorIs(t, err, ErrKeyGeneration)

	// An all-zero scalar is not a valid secp256k1 key.
	_, err = GenerateKeyStore(bytes.NewReader(make([]byte, 256)), SchemeSecp256k1)
	require.ErrorIs(t, err, ErrKeyGeneration)

	_, err = GenerateKeyStore(rand.Reader, KeyScheme("rsa"))
	require.ErrorIs(t, err, ErrKeyGeneration)
}

func TestParseKeyScheme(t *testing.T) {
	s, err := ParseKeyScheme("")
	require.NoError(t, err)
	require.Equal(t, SchemeEd25519, s)

	s, err = ParseKeyScheme("secp256k1")
	require.NoError(t, err)
	require.Equal(t, SchemeSecp256k1, s)

	_, err = ParseKeyScheme("p256")
	require.Error(t, err)
}

func TestVerifySignatureRejectsBadKeys(t *testing.T) {
	require.ErrorIs(t, VerifySignature(SchemeEd25519, []byte{1, 2}, nil, nil), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature(SchemeSecp256k1, []byte{1, 2}, nil, make([]byte, 65)), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature(SchemeSecp256k1, []byte{1, 2}, nil, make([]byte, 3)), ErrInvalidSignature)
}
