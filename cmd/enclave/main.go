package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/handlers"
	"github.com/Stealth-AI-data-infra/nautilus-ai/httpserver"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

// Hosts the enclave must reach; /health_check reports whether it can.
var healthEndpoints = []string{
	"api.weatherapi.com",
	"generativelanguage.googleapis.com",
}

func main() {
	config, err := LoadEnclaveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := shared.NewLoggerFromEnv("enclave")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(config, logger); err != nil {
		logger.Critical("Enclave server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(config *EnclaveConfig, logger *shared.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	attester, entropy, closeAttester, err := openAttester(config)
	if err != nil {
		return err
	}
	defer closeAttester()

	// One key per process lifetime; nothing else may sign.
	keys, err := shared.GenerateKeyStore(entropy, config.KeyScheme)
	if err != nil {
		return err
	}
	builder := shared.NewResponseBuilder(keys, shared.SystemClock{})
	logger.Info("Signing key generated",
		zap.String("platform", string(attester.Platform())),
		zap.String("key_scheme", string(keys.Scheme())),
		zap.String("public_key", hex.EncodeToString(keys.PublicKey())))

	if config.AttestationCacheTTL > 0 {
		cache := shared.NewAttestationCache(attester, config.AttestationCacheTTL, logger)
		if err := cache.Start(ctx); err != nil {
			return err
		}
		defer cache.Shutdown(context.Background())
		attester = cache
	}

	secrets, closeSecrets, err := openSecrets(ctx, config)
	if err != nil {
		return err
	}
	defer closeSecrets()

	httpClient := &http.Client{Timeout: config.UpstreamTimeout}
	if config.EnclaveMode {
		httpClient = shared.NewVSockHTTPClient(config.ParentCID, config.EgressPort, config.UpstreamTimeout)
	}

	registry, err := buildRegistry(ctx, config, secrets, httpClient, logger)
	if err != nil {
		return err
	}

	serverCfg := &httpserver.HTTPServerConfig{
		ListenAddr:               fmt.Sprintf(":%d", config.Port),
		CORSOrigins:              config.CORSOrigins,
		HealthEndpoints:          healthEndpoints,
		HealthClient:             httpClient,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             3 * time.Minute,
		GracefulShutdownDuration: 10 * time.Second,
	}
	if config.EnclaveMode {
		serverCfg.VSockPort = config.VSockPort
	}

	srv, err := httpserver.New(serverCfg, builder, attester, registry, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// openAttester picks the platform provider. Inside Nitro the NSM session is
// also the entropy source for the signing key.
func openAttester(config *EnclaveConfig) (shared.Attester, io.Reader, func(), error) {
	switch config.Platform {
	case shared.PlatformNitro:
		nitro, err := shared.OpenNitroAttester()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", shared.ErrKeyGeneration, err)
		}
		return nitro, nitro.Entropy(), func() { nitro.Close() }, nil
	case shared.PlatformGCP:
		return shared.NewGCPAttester(config.GCPLauncherSocket, config.GCPAudience), rand.Reader, func() {}, nil
	case shared.PlatformStandalone:
		return shared.StandaloneAttester{Clock: shared.SystemClock{}}, rand.Reader, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported platform %q", config.Platform)
	}
}

func openSecrets(ctx context.Context, config *EnclaveConfig) (shared.SecretSource, func(), error) {
	env := shared.EnvSecretSource{Aliases: map[string][]string{
		"weatherApiKey": {"WEATHER_API_KEY"},
		"geminiApiKey":  {"GEMINI_API_KEY", "API_KEY"},
	}}
	switch config.SecretsProvider {
	case "", "env":
		return env, func() {}, nil
	case "gcp":
		if config.GoogleProjectID == "" {
			return nil, nil, errors.New("GOOGLE_PROJECT_ID is required for the gcp secrets provider")
		}
		gcp, err := shared.NewGCPSecretSource(ctx, config.GoogleProjectID)
		if err != nil {
			return nil, nil, err
		}
		return shared.ChainSecretSource{gcp, env}, func() { gcp.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported secrets provider %q", config.SecretsProvider)
	}
}

// buildRegistry wires every business handler. Missing API keys are logged,
// not fatal; the affected scope then fails per request.
func buildRegistry(ctx context.Context, config *EnclaveConfig, secrets shared.SecretSource, client *http.Client, logger *shared.Logger) (*handlers.Registry, error) {
	upstream := &handlers.Upstream{Client: client, Logger: logger}

	weatherKey, err := secrets.Secret(ctx, "weatherApiKey")
	if err != nil {
		logger.Warn("Weather API key unavailable", zap.Error(err))
	}
	geminiKey, err := secrets.Secret(ctx, "geminiApiKey")
	if err != nil {
		logger.Warn("Gemini API key unavailable", zap.Error(err))
	}

	return handlers.NewRegistry(
		handlers.GenericHandler{},
		&handlers.WeatherHandler{
			APIKey:   weatherKey,
			BaseURL:  config.WeatherBaseURL,
			Upstream: upstream,
		},
		&handlers.AIQueryHandler{
			APIKey:   geminiKey,
			Model:    config.GeminiModel,
			BaseURL:  config.GeminiBaseURL,
			Upstream: upstream,
		},
	)
}
