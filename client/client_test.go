package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Stealth-AI-data-infra/nautilus-ai/handlers"
	"github.com/Stealth-AI-data-infra/nautilus-ai/httpserver"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
	"github.com/Stealth-AI-data-infra/nautilus-ai/verifier"
)

func newEnclave(t *testing.T) (*httptest.Server, *shared.ResponseBuilder) {
	t.Helper()
	keys, err := shared.GenerateKeyStore(rand.Reader, shared.SchemeEd25519)
	require.NoError(t, err)
	builder := shared.NewResponseBuilder(keys, nil)
	registry, err := handlers.NewRegistry(handlers.GenericHandler{})
	require.NoError(t, err)
	s, err := httpserver.New(&httpserver.HTTPServerConfig{}, builder, shared.StandaloneAttester{}, registry, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, builder
}

func TestClientRoundTrip(t *testing.T) {
	srv, builder := newEnclave(t)
	c := New(ClientConfig{BaseURL: srv.URL + "/", Verify: &verifier.Options{AllowStandalone: true}})
	ctx := context.Background()

	pong, err := c.Ping(ctx)
	require.NoError(t, err)
	require.Equal(t, "Pong!", pong)

	hc, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, shared.SchemeEd25519, hc.KeyScheme)

	doc, err := c.Attestation(ctx)
	require.NoError(t, err)
	require.Equal(t, builder.PublicKey(), doc.PublicKey)

	resp, err := c.Process(ctx, shared.GenericComputation, map[string]int{"x": 1})
	require.NoError(t, err)
	require.Equal(t, builder.PublicKey(), resp.Response.PublicKey)
	payload, err := handlers.DecodeGenericPayload(resp.Response.Payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(payload.Data))
}

func TestClientRejectsUnattestedStandalone(t *testing.T) {
	srv, _ := newEnclave(t)
	c := New(ClientConfig{BaseURL: srv.URL, Verify: &verifier.Options{}})

	_, err := c.Process(context.Background(), shared.GenericComputation, json.RawMessage(`{"x":1}`))
	require.ErrorIs(t, err, verifier.ErrUntrustedPlatform)
}

func TestClientAPIErrors(t *testing.T) {
	srv, _ := newEnclave(t)
	c := New(ClientConfig{BaseURL: srv.URL})

	_, err := c.Process(context.Background(), shared.WeatherQuery, map[string]string{"location": "Paris"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.NotEmpty(t, apiErr.Message)
}

func TestClientDetectsKeySwap(t *testing.T) {
	genuine, _ := newEnclave(t)
	rogue, _ := newEnclave(t)

	// Attestation comes from one enclave, signed responses from another.
	mux := http.NewServeMux()
	mux.HandleFunc("/get_attestation", func(w http.ResponseWriter, r *http.Request) {
		proxy(w, genuine.URL+r.URL.Path, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		proxy(w, rogue.URL+r.URL.Path, r)
	})
	front := httptest.NewServer(mux)
	defer front.Close()

	c := New(ClientConfig{BaseURL: front.URL, Verify: &verifier.Options{AllowStandalone: true}})
	_, err := c.Process(context.Background(), shared.GenericComputation, map[string]int{"x": 1})
	require.ErrorIs(t, err, verifier.ErrKeyMismatch)
}

func TestClientScopeMismatch(t *testing.T) {
	srv, _ := newEnclave(t)
	c := New(ClientConfig{BaseURL: srv.URL})

	_, err := c.ProcessAt(context.Background(), "/process/GenericComputation", shared.AIQuery, map[string]int{"x": 1})
	require.ErrorIs(t, err, verifier.ErrScopeMismatch)
}

func proxy(w http.ResponseWriter, target string, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
