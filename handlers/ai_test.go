package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

func geminiServer(t *testing.T, reply string, seen *geminiRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost ||
			r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" ||
			r.Header.Get("X-Goog-Api-Key") != "gem-key" ||
			r.URL.Query().Get("key") != "" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			_ = json.Unmarshal(body, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func aiRequest(question, file string) json.RawMessage {
	raw, _ := json.Marshal(AIQueryRequest{
		Question:    question,
		FileContent: base64.StdEncoding.EncodeToString([]byte(file)),
		FileType:    "text/csv",
	})
	return raw
}

func TestAIQueryHandler(t *testing.T) {
	var seen geminiRequest
	srv := geminiServer(t, `{"candidates":[{"content":{"parts":[{"text":"**Total** is $5\nfor \"all\" rows"}]}}]}`, &seen)
	h := &AIQueryHandler{APIKey: "gem-key", BaseURL: srv.URL, Upstream: fastUpstream()}
	require.Equal(t, shared.AIQuery, h.Scope())

	file := "item,price\napple,5\n"
	p, err := h.Compute(context.Background(), aiRequest("What is\nthe \"total\"?", file))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(file))
	require.Equal(t, &AIQueryPayload{
		Question: "What is the 'total'?",
		Answer:   "Total is USD 5 for 'all' rows",
		Model:    DefaultGeminiModel,
		FileHash: sum[:],
	}, p)

	require.Len(t, seen.Contents, 1)
	prompt := seen.Contents[0].Parts[0].Text
	require.True(t, strings.HasPrefix(prompt, "Analyze the following text/csv file and answer this question: What is\nthe \"total\"?"))
	require.Contains(t, prompt, file)
	require.Equal(t, 0.7, seen.GenerationConfig.Temperature)
	require.Equal(t, 2048, seen.GenerationConfig.MaxOutputTokens)

	b, err := p.MarshalBCS()
	require.NoError(t, err)
	back, err := DecodeAIQueryPayload(b)
	require.NoError(t, err)
	require.Equal(t, p, back)
}

func TestAIQueryHandlerWithoutCandidates(t *testing.T) {
	srv := geminiServer(t, `{"candidates":[]}`, nil)
	h := &AIQueryHandler{APIKey: "gem-key", BaseURL: srv.URL, Upstream: fastUpstream()}

	p, err := h.Compute(context.Background(), aiRequest("q", "data"))
	require.NoError(t, err)
	require.Equal(t, noAnswerText, p.(*AIQueryPayload).Answer)
}

func TestAIQueryHandlerFailures(t *testing.T) {
	t.Run("invalid base64", func(t *testing.T) {
		h := &AIQueryHandler{APIKey: "gem-key", BaseURL: "http://127.0.0.1:1"}
		_, err := h.Compute(context.Background(), json.RawMessage(`{"question":"q","file_content":"%%%","file_type":"text/plain"}`))
		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("missing question", func(t *testing.T) {
		h := &AIQueryHandler{APIKey: "gem-key", BaseURL: "http://127.0.0.1:1"}
		_, err := h.Compute(context.Background(), json.RawMessage(`{"file_content":"","file_type":"text/plain"}`))
		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("missing api key", func(t *testing.T) {
		h := &AIQueryHandler{BaseURL: "http://127.0.0.1:1"}
		_, err := h.Compute(context.Background(), aiRequest("q", "data"))
		require.ErrorIs(t, err, shared.ErrHandlerComputation)
	})

	t.Run("non-JSON reply", func(t *testing.T) {
		srv := geminiServer(t, `<html>`, nil)
		h := &AIQueryHandler{APIKey: "gem-key", BaseURL: srv.URL, Upstream: fastUpstream()}
		_, err := h.Compute(context.Background(), aiRequest("q", "data"))
		require.ErrorIs(t, err, shared.ErrHandlerComputation)
	})

	t.Run("rejected by upstream", func(t *testing.T) {
		h := &AIQueryHandler{APIKey: "wrong-key", BaseURL: geminiServer(t, `{}`, nil).URL, Upstream: fastUpstream()}
		_, err := h.Compute(context.Background(), aiRequest("q", "data"))
		require.ErrorIs(t, err, shared.ErrHandlerComputation)
	})
}

func TestAIQueryPayloadJSON(t *testing.T) {
	p := &AIQueryPayload{Question: "q", Answer: "a", Model: "m", FileHash: []byte{0xab}}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{"question":"q","answer":"a","model":"m","file_hash":"ab"}`, string(raw))
}
