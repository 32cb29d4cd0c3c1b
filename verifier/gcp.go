package verifier

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Confidential Space root used to sign attestation token certificate chains.
const googleAttestationRootPEM = `-----BEGIN CERTIFICATE-----
MIIGCDCCA/CgAwIBAgITYBvRy5g9aYYMh7tJS7pFwafL6jANBgkqhkiG9w0BAQsF
ADCBizELMAkGA1UEBhMCVVMxEzARBgNVBAgTCkNhbGlmb3JuaWExFjAUBgNVBAcT
DU1vdW50YWluIFZpZXcxEzARBgNVBAoTCkdvb2dsZSBMTEMxFTATBgNVBAsTDEdv
b2dsZSBDbG91ZDEjMCEGA1UEAxMaQ29uZmlkZW50aWFsIFNwYWNlIFJvb3QgQ0Ew
HhcNMjQwMTE5MjIxMDUwWhcNMzQwMTE2MjIxMDQ5WjCBizELMAkGA1UEBhMCVVMx
EzARBgNVBAgTCkNhbGlmb3JuaWExFjAUBgNVBAcTDU1vdW50YWluIFZpZXcxEzAR
BgNVBAoTCkdvb2dsZSBMTEMxFTATBgNVBAsTDEdvb2dsZSBDbG91ZDEjMCEGA1UE
AxMaQ29uZmlkZW50aWFsIFNwYWNlIFJvb3QgQ0EwggIiMA0GCSqGSIb3DQEBAQUA
A4ICDwAwggIKAoICAQCvRuZasczAqhMZe1ODHJ6MFLX8EYVV+RN7xiO9GpuA53iz
l9Oxgp3NXik3FbYn+7bcIkMMSQpCr6K0jbSQCZT6d5P5PJT5DpNGYjLHkW67/fl+
Bu7eSMb0qRCa1jS+3OhNK7t7SIaHm1XdmSRghjwoglKRuk3CGrF4Zia9RcE/p2MU
69GyJZpqHYwTplNr3x4zF+2nJk86GywDP+sGwSPWfcmqY04VQD7ZPDEZZ/qgzdoL
5ilE92eQnAsy+6m6LxBEHHVcFpfDtNVUIt2VMCWLBeOKUQcn5js756xblInqw/Qt
QRR0An0yfRjBuGvmMjAwETDo5ETY/fc+nbQVYJzNQTc9EOpFFWPpw/ZjFcN9Amnd
dxYUETFXPmBYerMez0LKNtGpfKYHHhMMTI3mj0m/V9fCbfh2YbBUnMS2Swd20YSI
Mi/HiGaqOpGUqXMeQVw7phGTS3QYK8ZM65sC/QhIQzXdsiLDgFBitVnlIu3lIv6C
uiHvXeSJBRlRxQ8Vu+t6J7hBdl0etWBKAu9Vti46af5cjC03dspkHR3MAUGcrLWE
TkQ0msQAKvIAlwyQRLuQOI5D6pF+6af1Nbl+vR7sLCbDWdMqm1E9X6KyFKd6e3rn
E9O4dkFJp35WvR2gqIAkUoa+Vq1MXLFYG4imanZKH0igrIblbawRCr3Gr24FXQID
AQABo2MwYTAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4E
FgQUF+fBOE6Th1snpKuvIb6S8/mtPL4wHwYDVR0jBBgwFoAUF+fBOE6Th1snpKuv
Ib6S8/mtPL4wDQYJKoZIhvcNAQELBQADggIBAGtCuV5eHxWcffylK9GPumaD6Yjd
cs76KDBe3mky5ItBIrEOeZq3z47zM4dbKZHhFuoq4yAaO1MyApnG0w9wIQLBDndI
ovtkw6j9/64aqPWpNaoB5MB0SahCUCgI83Dx9SRqGmjPI/MTMfwDLdE5EF9gFmVI
oH62YnG2aa/sc6m/8wIK8WtTJazEI16/8GPG4ZUhwT6aR3IGGnEBPMbMd5VZQ0Hw
VbHBKWK3UykaSCxnEg8uaNx/rhNaOWuWtos4qL00dYyGV7ZXg4fpAq7244QUgkWV
AtVcU2SPBjDd30OFHASnenDHRzQdOtHaxLp4a4WaY3jb2V6Sn3LfE8zSy6GevxmN
COIWW3xnPF8rwKz4ABEPqECe37zzu3W1nzZAFtdkhPBNnlWYkIusTMtU+8v6EPKp
GIIRphpaDhtGPJQukpENOfk2728lenPycRfjxwA96UKWq0dKZC45MwBEK9Jngn8Q
cPmpPmx7pSMkSxEX2Vos2JNaNmCKJd2VaXz8M6F2cxscRdh9TbAYAjGEEjE1nLUH
2YHDS8Y7xYNFIDSFaJAlqGcCUbzjGhrwHGj4voTe9ZvlmngrcA/ptSuBidvsnRDw
kNPLowCd0NqxYYSLNL7GroYCFPxoBpr+++4vsCaXalbs8iJxdU2EPqG4MB4xWKYg
uyT5CnJulxSC5CT1
-----END CERTIFICATE-----`

// GoogleRoots returns a pool holding the Confidential Space root CA.
func GoogleRoots() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(googleAttestationRootPEM)) {
		return nil, fmt.Errorf("failed to load Google attestation root")
	}
	return pool, nil
}

// Confidential Space values of the swname and dbgstat claims for a
// production image.
const (
	confidentialSpaceSWName = "CONFIDENTIAL_SPACE"
	dbgstatDisabled         = "disabled-since-boot"
)

// gcpClaims is the subset of the Confidential Space token we rely on.
type gcpClaims struct {
	Nonce   nonceClaim `json:"eat_nonce"`
	SWName  string     `json:"swname"`
	DbgStat string     `json:"dbgstat"`
	Submods struct {
		Container struct {
			ImageDigest string `json:"image_digest"`
		} `json:"container"`
	} `json:"submods"`
	jwt.RegisteredClaims
}

// checkEnvironment rejects tokens not issued to a Confidential Space
// workload, and debug images unless allowDebug is set.
func (c *gcpClaims) checkEnvironment(allowDebug bool) error {
	if c.SWName != confidentialSpaceSWName {
		return fmt.Errorf("%w: swname %q is not %s", ErrUntrustedPlatform, c.SWName, confidentialSpaceSWName)
	}
	if !allowDebug && c.DbgStat != dbgstatDisabled {
		return fmt.Errorf("%w: dbgstat is %q", ErrDebugEnclave, c.DbgStat)
	}
	return nil
}

// nonceClaim accepts eat_nonce as either a string or an array of strings.
type nonceClaim []string

func (n *nonceClaim) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*n = nonceClaim{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("eat_nonce is neither string nor array")
	}
	*n = many
	return nil
}

// verifyGCPToken checks the token's x5c chain against roots and its
// signature and time claims. The leaf certificate's key signs the token.
func verifyGCPToken(raw []byte, roots *x509.CertPool, audience string, now func() time.Time) (*gcpClaims, error) {
	tokenStr := strings.TrimSpace(string(raw))
	if tokenStr == "" {
		return nil, fmt.Errorf("empty GCP attestation token")
	}

	keyfunc := func(t *jwt.Token) (interface{}, error) {
		x5c, ok := t.Header["x5c"].([]interface{})
		if !ok || len(x5c) == 0 {
			return nil, fmt.Errorf("missing x5c header in GCP attestation JWT")
		}

		// x5c entries are standard base64 DER, not base64url.
		leafB64, _ := x5c[0].(string)
		der, err := base64.StdEncoding.DecodeString(leafB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c leaf: %v", err)
		}
		leaf, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf certificate: %v", err)
		}

		intermediates := x509.NewCertPool()
		for _, seg := range x5c[1:] {
			s, _ := seg.(string)
			ider, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("failed to decode x5c intermediate: %v", err)
			}
			cert, err := x509.ParseCertificate(ider)
			if err != nil {
				return nil, fmt.Errorf("failed to parse intermediate certificate: %v", err)
			}
			intermediates.AddCert(cert)
		}

		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, fmt.Errorf("x5c chain verification failed: %v", err)
		}
		return leaf.PublicKey, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithTimeFunc(now),
		// Launcher and verifier clocks drift.
		jwt.WithLeeway(time.Minute),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := new(gcpClaims)
	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenStr, claims, keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse/verify GCP attestation JWT: %v", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid GCP attestation JWT")
	}
	return claims, nil
}
