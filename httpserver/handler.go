package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Stealth-AI-data-infra/nautilus-ai/handlers"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

const (
	// Large enough for a 10 MiB file after base64 expansion.
	maxBodySize = 16 << 20

	healthProbeTimeout = 5 * time.Second
)

// Handler serves the enclave API. Every compute route funnels through
// processScope, which is the only caller of ResponseBuilder.
type Handler struct {
	builder  *shared.ResponseBuilder
	attester shared.Attester
	registry *handlers.Registry
	log      *shared.Logger

	healthEndpoints []string
	healthClient    *http.Client
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandlePing)
	r.Get("/health_check", h.HandleHealthCheck)
	r.Get("/get_attestation", h.HandleGetAttestation)
	r.Post("/process/{scope}", h.HandleProcess)

	// Route names kept from the first deployment so existing clients work.
	r.Post("/process_data", h.scopeRoute(shared.WeatherQuery))
	r.Post("/process_gemini", h.scopeRoute(shared.AIQuery))
}

func (h *Handler) HandlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Pong!")
}

// HealthCheckResponse reports the signing identity and egress reachability.
type HealthCheckResponse struct {
	PublicKey       string           `json:"pk"`
	KeyScheme       shared.KeyScheme `json:"key_scheme"`
	EndpointsStatus map[string]bool  `json:"endpoints_status"`
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthCheckResponse{
		PublicKey:       hex.EncodeToString(h.builder.PublicKey()),
		KeyScheme:       h.builder.KeyScheme(),
		EndpointsStatus: h.probeEndpoints(r.Context()),
	})
}

func (h *Handler) probeEndpoints(ctx context.Context) map[string]bool {
	status := make(map[string]bool, len(h.healthEndpoints))
	if len(h.healthEndpoints) == 0 {
		return status
	}
	client := h.healthClient
	if client == nil {
		client = http.DefaultClient
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, endpoint := range h.healthEndpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			ok := probe(ctx, client, endpoint)
			mu.Lock()
			status[endpoint] = ok
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()
	return status
}

// probe treats any HTTP response as reachable; only transport failures count.
func probe(ctx context.Context, client *http.Client, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (h *Handler) HandleGetAttestation(w http.ResponseWriter, r *http.Request) {
	doc, err := h.attester.Attest(r.Context(), h.builder.PublicKey())
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", shared.ErrAttestationUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleProcess serves POST /process/{scope} where scope is the enumerator
// name, e.g. /process/GenericComputation.
func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	scope, err := shared.ParseIntentScope(chi.URLParam(r, "scope"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.processScope(w, r, scope)
}

func (h *Handler) scopeRoute(scope shared.IntentScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.processScope(w, r, scope)
	}
}

func (h *Handler) processScope(w http.ResponseWriter, r *http.Request, scope shared.IntentScope) {
	handler, ok := h.registry.Get(scope)
	if !ok {
		h.writeError(w, r, fmt.Errorf("%w: no handler for %s", errNoHandler, scope))
		return
	}

	var req shared.ProcessDataRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", handlers.ErrInvalidRequest, err))
		return
	}

	payload, err := handler.Compute(r.Context(), req.Payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Render the unsigned view first so nothing can fail after signing.
	data, err := json.Marshal(payload)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", shared.ErrSerialization, err))
		return
	}

	envelope, err := h.builder.BuildPayload(scope, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.WithScope(scope).Debug("Signed response",
		zap.String("request_id", RequestID(r.Context())),
		zap.Uint64("timestamp_ms", envelope.TimestampMs),
		zap.Int("payload_size", len(envelope.Payload)))

	writeJSON(w, http.StatusOK, shared.ProcessedDataResponse{Response: envelope, Data: data})
}

var errNoHandler = errors.New("scope not served")

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, handlers.ErrInvalidRequest), errors.Is(err, shared.ErrUnknownScope):
		return http.StatusBadRequest
	case errors.Is(err, errNoHandler):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrHandlerComputation):
		return http.StatusBadGateway
	case errors.Is(err, shared.ErrAttestationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := h.log.WithRequest(RequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Info("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
