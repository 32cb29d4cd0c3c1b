package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
  "location": {"name": "Zürich", "tz": "Europe/Zurich"},
  "current": {"temp_c": 21.50, "condition": {"text": "Sunny"}},
  "candidates": [
    {"content": {"parts": [{"text": "first"}, {"text": "second"}]}}
  ]
}`

func TestExtractJSONValueVerbatim(t *testing.T) {
	raw, err := extractJSONValue([]byte(sampleDoc), "$.current.temp_c")
	require.NoError(t, err)
	require.Equal(t, "21.50", string(raw))

	raw, err = extractJSONValue([]byte(sampleDoc), "$.current.condition")
	require.NoError(t, err)
	require.Equal(t, `{"text": "Sunny"}`, string(raw))
}

func TestExtractString(t *testing.T) {
	s, err := extractString([]byte(sampleDoc), "$.location.name")
	require.NoError(t, err)
	require.Equal(t, "Zürich", s)

	s, err = extractString([]byte(sampleDoc), "$.candidates[0].content.parts[1].text")
	require.NoError(t, err)
	require.Equal(t, "second", s)

	_, err = extractString([]byte(sampleDoc), "$.current.temp_c")
	require.Error(t, err)

	_, err = extractString([]byte(sampleDoc), "$.location.missing")
	require.Error(t, err)
}

func TestExtractNumber(t *testing.T) {
	n, err := extractNumber([]byte(sampleDoc), "$.current.temp_c")
	require.NoError(t, err)
	require.Equal(t, "21.50", n.String())

	_, err = extractNumber([]byte(sampleDoc), "$.location.name")
	require.Error(t, err)
}

func TestJSONPathToSegments(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"$", nil},
		{"$.a", []string{"a"}},
		{"$.a.b", []string{"a", "b"}},
		{"$.a[0].b", []string{"a", "0", "b"}},
		{"$['a']['b.c']", []string{"a", "b.c"}},
		{`$["x"][2]`, []string{"x", "2"}},
		{"a[1]", []string{"a", "1"}},
		{"$.a[0", []string{"a", "0"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, jsonPathToSegments(tt.path), tt.path)
	}
}
