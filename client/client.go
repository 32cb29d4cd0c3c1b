// Package client talks to the enclave HTTP API and, optionally, verifies
// every signed response against the enclave's attestation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/httpserver"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
	"github.com/Stealth-AI-data-infra/nautilus-ai/verifier"
)

type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *shared.Logger

	mu       sync.Mutex
	attested *verifier.Attested
}

func New(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = shared.NopLogger()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc, logger: logger}
}

func (c *Client) Ping(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) HealthCheck(ctx context.Context) (*httpserver.HealthCheckResponse, error) {
	var out httpserver.HealthCheckResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health_check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Attestation(ctx context.Context) (*shared.AttestationDocument, error) {
	var doc shared.AttestationDocument
	if err := c.doJSON(ctx, http.MethodGet, "/get_attestation", nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Process posts payload to the generic route for scope.
func (c *Client) Process(ctx context.Context, scope shared.IntentScope, payload any) (*shared.ProcessedDataResponse, error) {
	return c.ProcessAt(ctx, "/process/"+scope.String(), scope, payload)
}

// ProcessAt posts payload to an explicit route, e.g. /process_gemini, and
// expects an envelope signed under scope.
func (c *Client) ProcessAt(ctx context.Context, path string, scope shared.IntentScope, payload any) (*shared.ProcessedDataResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: %w", err)
	}
	var out shared.ProcessedDataResponse
	if err := c.doJSON(ctx, http.MethodPost, path, shared.ProcessDataRequest{Payload: raw}, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, fmt.Errorf("%w: response without envelope", shared.ErrMalformedEnvelope)
	}
	if out.Response.Scope != scope {
		return nil, fmt.Errorf("%w: got %s, want %s", verifier.ErrScopeMismatch, out.Response.Scope, scope)
	}

	if c.cfg.Verify != nil {
		if err := c.verify(ctx, out.Response); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// verify checks env against the attestation, fetching it again once if the
// enclave restarted with a new key since the last check.
func (c *Client) verify(ctx context.Context, env *shared.SignedEnvelope) error {
	c.mu.Lock()
	att := c.attested
	c.mu.Unlock()

	if att == nil || !bytes.Equal(att.PublicKey, env.PublicKey) {
		doc, err := c.Attestation(ctx)
		if err != nil {
			return fmt.Errorf("could not fetch attestation: %w", err)
		}
		opts := *c.cfg.Verify
		if opts.Logger == nil {
			opts.Logger = c.logger
		}
		if att, err = verifier.VerifyAttestation(doc, opts); err != nil {
			return err
		}
		c.mu.Lock()
		c.attested = att
		c.mu.Unlock()
		c.logger.Info("Verified enclave attestation",
			zap.String("platform", string(att.Platform)),
			zap.String("measurement", att.Measurement))
	}

	if !bytes.Equal(att.PublicKey, env.PublicKey) {
		return fmt.Errorf("%w: envelope %x, attested %x", verifier.ErrKeyMismatch, env.PublicKey, att.PublicKey)
	}
	scope := env.Scope
	return verifier.VerifyEnvelope(env, &scope)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("could not decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httpserver.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}
