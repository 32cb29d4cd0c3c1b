package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

const testAudience = "https://verifier.test"

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Attestation Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

// issueToken signs claims with a fresh leaf certificate chained to ca.
func (ca *testCA) issueToken(t *testing.T, claims jwt.MapClaims) []byte {
	t.Helper()
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Attestation Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &leafKey.PublicKey, ca.key)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(der)}
	signed, err := token.SignedString(leafKey)
	require.NoError(t, err)
	return []byte(signed)
}

func gcpClaimsFor(pk []byte, nonce any) jwt.MapClaims {
	if nonce == nil {
		nonce = hex.EncodeToString(pk)
	}
	return jwt.MapClaims{
		"aud":       testAudience,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(time.Hour).Unix(),
		"eat_nonce": nonce,
		"swname":    "CONFIDENTIAL_SPACE",
		"dbgstat":   "disabled-since-boot",
		"submods": map[string]any{
			"container": map[string]any{"image_digest": "sha256:abc123"},
		},
	}
}

func newKeys(t *testing.T) *shared.KeyStore {
	t.Helper()
	keys, err := shared.GenerateKeyStore(rand.Reader, shared.SchemeEd25519)
	require.NoError(t, err)
	return keys
}

func TestVerifyGCPAttestation(t *testing.T) {
	ca := newTestCA(t)
	pk := newKeys(t).PublicKey()
	doc := &shared.AttestationDocument{
		Type:      shared.PlatformGCP,
		Document:  ca.issueToken(t, gcpClaimsFor(pk, nil)),
		PublicKey: pk,
	}
	opts := Options{GCPRoots: ca.pool, GCPAudience: testAudience}

	att, err := VerifyAttestation(doc, opts)
	require.NoError(t, err)
	require.Equal(t, shared.PlatformGCP, att.Platform)
	require.Equal(t, pk, att.PublicKey)
	require.Equal(t, "sha256:abc123", att.Measurement)

	opts.ExpectedMeasurement = "SHA256:ABC123"
	_, err = VerifyAttestation(doc, opts)
	require.NoError(t, err)

	opts.ExpectedMeasurement = "sha256:other"
	_, err = VerifyAttestation(doc, opts)
	require.ErrorIs(t, err, ErrMeasurementMismatch)
}

func TestVerifyGCPAttestationNonceArray(t *testing.T) {
	ca := newTestCA(t)
	pk := newKeys(t).PublicKey()
	doc := &shared.AttestationDocument{
		Type:     shared.PlatformGCP,
		Document: ca.issueToken(t, gcpClaimsFor(pk, []string{hex.EncodeToString(pk)})),
	}
	att, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
	require.NoError(t, err)
	require.Equal(t, pk, att.PublicKey)
}

func TestVerifyGCPAttestationRejects(t *testing.T) {
	ca := newTestCA(t)
	pk := newKeys(t).PublicKey()

	t.Run("untrusted root", func(t *testing.T) {
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, gcpClaimsFor(pk, nil))}
		_, err := VerifyAttestation(doc, Options{GCPRoots: newTestCA(t).pool})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, gcpClaimsFor(pk, nil))}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool, GCPAudience: "https://someone.else"})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		claims := gcpClaimsFor(pk, nil)
		claims["exp"] = time.Now().Add(-time.Hour).Unix()
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, claims)}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := gcpClaimsFor(pk, nil)
		delete(claims, "exp")
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, claims)}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})

	t.Run("nonce is not a key", func(t *testing.T) {
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, gcpClaimsFor(pk, "not-hex-at-all"))}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})

	t.Run("claimed key differs", func(t *testing.T) {
		doc := &shared.AttestationDocument{
			Type:      shared.PlatformGCP,
			Document:  ca.issueToken(t, gcpClaimsFor(pk, nil)),
			PublicKey: newKeys(t).PublicKey(),
		}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("debug image", func(t *testing.T) {
		claims := gcpClaimsFor(pk, nil)
		claims["dbgstat"] = "enabled"
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, claims)}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool, GCPAudience: testAudience})
		require.ErrorIs(t, err, ErrDebugEnclave)

		att, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool, GCPAudience: testAudience, AllowDebug: true})
		require.NoError(t, err)
		require.Equal(t, pk, att.PublicKey)
	})

	t.Run("missing dbgstat", func(t *testing.T) {
		claims := gcpClaimsFor(pk, nil)
		delete(claims, "dbgstat")
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, claims)}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrDebugEnclave)
	})

	t.Run("plain GCE debug workload", func(t *testing.T) {
		claims := gcpClaimsFor(pk, nil)
		claims["swname"] = "GCE"
		claims["dbgstat"] = "enabled"
		claims["submods"] = map[string]any{
			"container": map[string]any{"image_digest": "sha256:attacker"},
		}
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: ca.issueToken(t, claims)}
		att, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool, GCPAudience: testAudience})
		require.ErrorIs(t, err, ErrUntrustedPlatform)
		require.Nil(t, att)

		// Allowing debug images does not admit a workload outside Confidential Space.
		_, err = VerifyAttestation(doc, Options{GCPRoots: ca.pool, GCPAudience: testAudience, AllowDebug: true})
		require.ErrorIs(t, err, ErrUntrustedPlatform)
	})

	t.Run("tampered token", func(t *testing.T) {
		token := ca.issueToken(t, gcpClaimsFor(pk, nil))
		token[len(token)-5] ^= 0x01
		doc := &shared.AttestationDocument{Type: shared.PlatformGCP, Document: token}
		_, err := VerifyAttestation(doc, Options{GCPRoots: ca.pool})
		require.ErrorIs(t, err, ErrAttestationInvalid)
	})
}

func TestVerifyStandaloneAttestation(t *testing.T) {
	pk := newKeys(t).PublicKey()
	doc, err := shared.StandaloneAttester{}.Attest(context.Background(), pk)
	require.NoError(t, err)

	_, err = VerifyAttestation(doc, Options{})
	require.ErrorIs(t, err, ErrUntrustedPlatform)

	att, err := VerifyAttestation(doc, Options{AllowStandalone: true})
	require.NoError(t, err)
	require.Equal(t, pk, att.PublicKey)

	doc.PublicKey = newKeys(t).PublicKey()
	_, err = VerifyAttestation(doc, Options{AllowStandalone: true})
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestVerifyAttestationRejectsMalformed(t *testing.T) {
	_, err := VerifyAttestation(nil, Options{})
	require.ErrorIs(t, err, ErrAttestationInvalid)

	_, err = VerifyAttestation(&shared.AttestationDocument{Type: shared.PlatformNitro, Document: []byte{0xde, 0xad}}, Options{})
	require.ErrorIs(t, err, ErrAttestationInvalid)

	_, err = VerifyAttestation(&shared.AttestationDocument{Type: "sgx", Document: []byte{1}}, Options{})
	require.ErrorIs(t, err, ErrUntrustedPlatform)
}

func TestVerifyAttestedEnvelope(t *testing.T) {
	keys := newKeys(t)
	builder := shared.NewResponseBuilder(keys, nil)
	doc, err := shared.StandaloneAttester{}.Attest(context.Background(), keys.PublicKey())
	require.NoError(t, err)
	opts := Options{AllowStandalone: true}

	env, err := builder.Build(shared.WeatherQuery, []byte("payload"))
	require.NoError(t, err)

	scope := shared.WeatherQuery
	att, err := VerifyAttestedEnvelope(env, doc, &scope, opts)
	require.NoError(t, err)
	require.Equal(t, keys.PublicKey(), att.PublicKey)

	other := shared.AIQuery
	_, err = VerifyAttestedEnvelope(env, doc, &other, opts)
	require.ErrorIs(t, err, ErrScopeMismatch)

	tampered := *env
	tampered.Payload = []byte("payloaD")
	_, err = VerifyAttestedEnvelope(&tampered, doc, nil, opts)
	require.ErrorIs(t, err, shared.ErrInvalidSignature)

	// A validly signed envelope from a key the enclave never attested.
	rogue, err := shared.NewResponseBuilder(newKeys(t), nil).Build(shared.WeatherQuery, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, VerifyEnvelope(rogue, &scope))
	_, err = VerifyAttestedEnvelope(rogue, doc, &scope, opts)
	require.ErrorIs(t, err, ErrKeyMismatch)

	_, err = VerifyAttestedEnvelope(nil, doc, nil, opts)
	require.ErrorIs(t, err, shared.ErrMalformedEnvelope)
}

func TestNitroMeasurementPolicy(t *testing.T) {
	pk := newKeys(t).PublicKey()

	debug := &nitroResult{pcr0: make([]byte, 48), userData: pk}
	_, err := debug.attested(false)
	require.ErrorIs(t, err, ErrDebugEnclave)

	att, err := debug.attested(true)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(make([]byte, 48)), att.Measurement)

	pcr0 := make([]byte, 48)
	pcr0[47] = 0x01
	att, err = (&nitroResult{pcr0: pcr0, userData: pk}).attested(false)
	require.NoError(t, err)
	require.Equal(t, shared.PlatformNitro, att.Platform)
	require.Equal(t, hex.EncodeToString(pcr0), att.Measurement)
	require.Equal(t, pk, att.PublicKey)

	_, err = (&nitroResult{userData: pk}).attested(true)
	require.ErrorIs(t, err, ErrAttestationInvalid)
}

func TestVerifyAttestationLogsRejection(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := &shared.Logger{Logger: zap.New(core)}

	pk := newKeys(t).PublicKey()
	doc, err := shared.StandaloneAttester{}.Attest(context.Background(), pk)
	require.NoError(t, err)

	_, err = VerifyAttestation(doc, Options{Logger: logger})
	require.ErrorIs(t, err, ErrUntrustedPlatform)

	entries := logs.FilterMessage("Attestation rejected").All()
	require.Len(t, entries, 1)
	require.Equal(t, true, entries[0].ContextMap()["security_event"])
	require.Equal(t, "standalone", entries[0].ContextMap()["platform"])

	_, err = VerifyAttestation(doc, Options{Logger: logger, AllowStandalone: true})
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
}

func TestGoogleRoots(t *testing.T) {
	pool, err := GoogleRoots()
	require.NoError(t, err)
	require.NotNil(t, pool)
}
