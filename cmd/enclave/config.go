package main

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

type EnclaveConfig struct {
	Platform  shared.Platform
	KeyScheme shared.KeyScheme

	// Standalone listener
	Port int

	// Enclave mode: serve on VSOCK and reach the internet through the parent.
	EnclaveMode bool
	VSockPort   uint32
	ParentCID   uint32
	EgressPort  uint32

	GCPLauncherSocket string
	GCPAudience       string

	AttestationCacheTTL time.Duration
	CORSOrigins         []string

	// Secret provider: "env" or "gcp"
	SecretsProvider string
	GoogleProjectID string

	WeatherBaseURL  string
	GeminiBaseURL   string
	GeminiModel     string
	UpstreamTimeout time.Duration
}

func LoadEnclaveConfig() (*EnclaveConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	platform, err := shared.ParsePlatform(shared.GetEnvOrDefault("PLATFORM", "standalone"))
	if err != nil {
		return nil, err
	}
	scheme, err := shared.ParseKeyScheme(shared.GetEnvOrDefault("KEY_SCHEME", string(shared.SchemeEd25519)))
	if err != nil {
		return nil, err
	}

	cfg := &EnclaveConfig{
		Platform:            platform,
		KeyScheme:           scheme,
		Port:                shared.GetEnvIntOrDefault("PORT", 3000),
		EnclaveMode:         shared.GetEnvBoolOrDefault("ENCLAVE_MODE", platform == shared.PlatformNitro),
		VSockPort:           shared.GetEnvUint32OrDefault("VSOCK_PORT", shared.DefaultVSockPort),
		ParentCID:           shared.GetEnvUint32OrDefault("PARENT_CID", shared.DefaultParentCID),
		EgressPort:          shared.GetEnvUint32OrDefault("EGRESS_PORT", shared.DefaultEgressPort),
		GCPLauncherSocket:   shared.GetEnvOrDefault("GCP_LAUNCHER_SOCKET", shared.DefaultLauncherSocket),
		GCPAudience:         shared.GetEnvOrDefault("GCP_AUDIENCE", shared.DefaultGCPAudience),
		AttestationCacheTTL: shared.GetEnvDurationOrDefault("ATTESTATION_CACHE_TTL", 0),
		CORSOrigins:         splitList(shared.GetEnvOrDefault("CORS_ORIGINS", "")),
		SecretsProvider:     shared.GetEnvOrDefault("SECRETS_PROVIDER", "env"),
		GoogleProjectID:     shared.GetEnvOrDefault("GOOGLE_PROJECT_ID", ""),
		WeatherBaseURL:      shared.GetEnvOrDefault("WEATHER_BASE_URL", ""),
		GeminiBaseURL:       shared.GetEnvOrDefault("GEMINI_BASE_URL", ""),
		GeminiModel:         shared.GetEnvOrDefault("GEMINI_MODEL", ""),
		UpstreamTimeout:     shared.GetEnvDurationOrDefault("UPSTREAM_TIMEOUT", 60*time.Second),
	}

	log.Printf("Configuration loaded - Platform: %s, KeyScheme: %s, EnclaveMode: %v", cfg.Platform, cfg.KeyScheme, cfg.EnclaveMode)
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
