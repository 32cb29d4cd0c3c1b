package shared

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

const (
	DefaultLauncherSocket = "/run/container_launcher/teeserver.sock"
	DefaultGCPAudience    = "https://nautilus.stealth-ai.dev"

	// The launcher accepts nonces between 8 and 88 bytes.
	minGCPNonceLen = 8
	maxGCPNonceLen = 88
)

// GCPAttester fetches Confidential Space PKI tokens from the container
// launcher. The public key travels hex encoded in the eat_nonce claim.
type GCPAttester struct {
	SocketPath string
	Audience   string

	client *http.Client
}

func NewGCPAttester(socketPath, audience string) *GCPAttester {
	if socketPath == "" {
		socketPath = DefaultLauncherSocket
	}
	if audience == "" {
		audience = DefaultGCPAudience
	}
	return &GCPAttester{
		SocketPath: socketPath,
		Audience:   audience,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: attestTimeout,
		},
	}
}

func (*GCPAttester) Platform() Platform { return PlatformGCP }

// GCPNonce is the eat_nonce value that binds publicKey.
func GCPNonce(publicKey []byte) (string, error) {
	nonce := hex.EncodeToString(publicKey)
	if len(nonce) < minGCPNonceLen || len(nonce) > maxGCPNonceLen {
		return "", fmt.Errorf("nonce length %d outside [%d, %d]", len(nonce), minGCPNonceLen, maxGCPNonceLen)
	}
	return nonce, nil
}

func (a *GCPAttester) Attest(ctx context.Context, publicKey []byte) (*AttestationDocument, error) {
	nonce, err := GCPNonce(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUnavailable, err)
	}

	// PKI tokens carry the x5c chain so verifiers need no JWKS lookup.
	body, err := json.Marshal(map[string]any{
		"audience":   a.Audience,
		"token_type": "PKI",
		"nonces":     []string{nonce},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request body: %v", ErrAttestationUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://localhost/v1/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrAttestationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to call launcher socket: %v", ErrAttestationUnavailable, err)
	}
	defer resp.Body.Close()

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token: %v", ErrAttestationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: launcher returned %d: %s", ErrAttestationUnavailable, resp.StatusCode, bytes.TrimSpace(token))
	}

	return &AttestationDocument{
		Type:      PlatformGCP,
		Document:  bytes.TrimSpace(token),
		PublicKey: append([]byte(nil), publicKey...),
	}, nil
}
