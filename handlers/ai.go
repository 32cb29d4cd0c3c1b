package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-1.5-flash"

	noAnswerText = "No response generated"

	geminiTemperature     = 0.7
	geminiMaxOutputTokens = 2048
)

const aiPromptTemplate = "Analyze the following %s file and answer this question: %s\n\nFile content:\n%s\n\n" +
	"IMPORTANT: Provide a clear, concise answer without using any special characters, markdown formatting, " +
	"asterisks, dollar signs, or newlines. Use only plain text with spaces."

var aiRequestSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"question":     map[string]any{"type": "string", "minLength": 1},
		"file_content": map[string]any{"type": "string", "format": "base64"},
		"file_type":    map[string]any{"type": "string", "minLength": 1},
	},
	"required": []any{"question", "file_content", "file_type"},
}

type AIQueryRequest struct {
	Question    string `json:"question"`
	FileContent string `json:"file_content"` // base64
	FileType    string `json:"file_type"`    // mime type
}

// AIQueryPayload is BCS compatible with the Move struct
// GeminiResponse { question: String, answer: String, model: String, file_hash: vector<u8> }.
type AIQueryPayload struct {
	Question string
	Answer   string
	Model    string
	FileHash []byte
}

func (p *AIQueryPayload) MarshalBCS() ([]byte, error) {
	w := new(shared.BCSWriter)
	w.String(p.Question).String(p.Answer).String(p.Model).Bytes(p.FileHash)
	return w.Output(), nil
}

func (p *AIQueryPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Model    string `json:"model"`
		FileHash string `json:"file_hash"`
	}{p.Question, p.Answer, p.Model, hex.EncodeToString(p.FileHash)})
}

func DecodeAIQueryPayload(b []byte) (*AIQueryPayload, error) {
	r := shared.NewBCSReader(b)
	p := &AIQueryPayload{Question: r.String(), Answer: r.String(), Model: r.String(), FileHash: r.Bytes()}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// AIQueryHandler answers a question about an uploaded file using Gemini.
// The signed payload commits to the file by hash only.
type AIQueryHandler struct {
	APIKey   string
	Model    string
	BaseURL  string
	Upstream *Upstream
}

func (*AIQueryHandler) Scope() shared.IntentScope { return shared.AIQuery }

func (h *AIQueryHandler) model() string {
	if h.Model == "" {
		return DefaultGeminiModel
	}
	return h.Model
}

func (h *AIQueryHandler) Compute(ctx context.Context, raw json.RawMessage) (Payload, error) {
	var req AIQueryRequest
	if err := validateAndUnmarshal("ai_query", aiRequestSchema, raw, &req); err != nil {
		return nil, err
	}
	file, err := base64.StdEncoding.DecodeString(req.FileContent)
	if err != nil {
		return nil, invalidRequest("failed to decode file content: %v", err)
	}
	if h.APIKey == "" {
		return nil, computationFailed("gemini API key not configured")
	}
	fileHash := sha256.Sum256(file)

	prompt := fmt.Sprintf(aiPromptTemplate, req.FileType, req.Question, lossyUTF8(file))
	body, err := json.Marshal(map[string]any{
		"contents": []any{
			map[string]any{"parts": []any{map[string]any{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":     geminiTemperature,
			"maxOutputTokens": geminiMaxOutputTokens,
		},
	})
	if err != nil {
		return nil, computationFailed("failed to encode Gemini request: %v", err)
	}

	base := h.BaseURL
	if base == "" {
		base = DefaultGeminiBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(base, "/"), url.PathEscape(h.model()))
	header := http.Header{
		"Content-Type":   {"application/json"},
		"X-Goog-Api-Key": {h.APIKey},
	}

	resp, err := h.Upstream.Do(ctx, http.MethodPost, endpoint, body, header)
	if err != nil {
		return nil, computationFailed("failed to call Gemini API: %v", err)
	}
	if !json.Valid(resp) {
		return nil, computationFailed("failed to parse Gemini response")
	}

	answer, err := extractString(resp, "$.candidates[0].content.parts[0].text")
	if err != nil {
		answer = noAnswerText
	}

	return &AIQueryPayload{
		Question: CleanText(req.Question, QuestionRules),
		Answer:   CleanText(answer, AnswerRules),
		Model:    h.model(),
		FileHash: fileHash[:],
	}, nil
}
