package client

import (
	"net/http"
	"time"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
	"github.com/Stealth-AI-data-infra/nautilus-ai/verifier"
)

// ClientConfig contains all configuration options for Client
type ClientConfig struct {
	BaseURL    string        // Enclave API root, e.g. http://127.0.0.1:3000
	Timeout    time.Duration // Per-request timeout; AI queries need minutes
	HTTPClient *http.Client  // Optional; overrides Timeout when set
	Logger     *shared.Logger

	// Verify, when non-nil, makes every Process call fetch the attestation
	// once and check each returned envelope against it.
	Verify *verifier.Options
}

const DefaultTimeout = 120 * time.Second
