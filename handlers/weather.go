package handlers

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

const (
	DefaultWeatherBaseURL = "https://api.weatherapi.com"
	// Readings older than this are refused rather than signed as current.
	defaultWeatherMaxAge = time.Hour
)

var weatherRequestSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"location": map[string]any{"type": "string", "minLength": 1, "maxLength": 256},
	},
	"required":             []any{"location"},
	"additionalProperties": false,
}

type WeatherRequest struct {
	Location string `json:"location"`
}

// WeatherPayload is BCS compatible with the Move struct
// WeatherResponse { location: String, temperature: u64 }.
type WeatherPayload struct {
	Location    string `json:"location"`
	Temperature uint64 `json:"temperature"`
}

func (p *WeatherPayload) MarshalBCS() ([]byte, error) {
	w := new(shared.BCSWriter)
	w.String(p.Location).U64(p.Temperature)
	return w.Output(), nil
}

func DecodeWeatherPayload(b []byte) (*WeatherPayload, error) {
	r := shared.NewBCSReader(b)
	p := &WeatherPayload{Location: r.String(), Temperature: r.U64()}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// WeatherHandler reports current conditions from weatherapi.com.
type WeatherHandler struct {
	APIKey   string
	BaseURL  string
	Upstream *Upstream
	Clock    shared.Clock
	MaxAge   time.Duration
}

func (*WeatherHandler) Scope() shared.IntentScope { return shared.WeatherQuery }

func (h *WeatherHandler) Compute(ctx context.Context, raw json.RawMessage) (Payload, error) {
	var req WeatherRequest
	if err := validateAndUnmarshal("weather", weatherRequestSchema, raw, &req); err != nil {
		return nil, err
	}
	if h.APIKey == "" {
		return nil, computationFailed("weather API key not configured")
	}

	base := h.BaseURL
	if base == "" {
		base = DefaultWeatherBaseURL
	}
	q := url.Values{"key": {h.APIKey}, "q": {req.Location}}
	endpoint := strings.TrimRight(base, "/") + "/v1/current.json?" + q.Encode()

	body, err := h.Upstream.Do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, computationFailed("failed to call weather API: %v", err)
	}

	location, err := extractString(body, "$.location.name")
	if err != nil {
		return nil, computationFailed("failed to parse weather response: %v", err)
	}
	tempC, err := extractNumber(body, "$.current.temp_c")
	if err != nil {
		return nil, computationFailed("failed to parse weather response: %v", err)
	}
	if err := h.checkFreshness(body); err != nil {
		return nil, err
	}

	temp, err := tempC.Float64()
	if err != nil {
		return nil, computationFailed("invalid temperature %q: %v", tempC, err)
	}
	return &WeatherPayload{Location: location, Temperature: saturatingUint64(temp)}, nil
}

func (h *WeatherHandler) checkFreshness(body []byte) error {
	epoch, err := extractNumber(body, "$.current.last_updated_epoch")
	if err != nil {
		// Older API versions omit the field.
		return nil
	}
	updated, err := epoch.Int64()
	if err != nil {
		return computationFailed("invalid last_updated_epoch %q", epoch)
	}
	clock := h.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	now, err := clock.Now()
	if err != nil {
		return computationFailed("reading clock: %v", err)
	}
	maxAge := h.MaxAge
	if maxAge <= 0 {
		maxAge = defaultWeatherMaxAge
	}
	if age := now.Sub(time.Unix(updated, 0)); age > maxAge {
		return computationFailed("weather API timestamp is too old (%s)", age.Round(time.Second))
	}
	return nil
}

// saturatingUint64 truncates toward zero, clamping to the u64 range. Below
// zero readings become 0.
func saturatingUint64(f float64) uint64 {
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= math.MaxUint64:
		return math.MaxUint64
	default:
		return uint64(f)
	}
}
