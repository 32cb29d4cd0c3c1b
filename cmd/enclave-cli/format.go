package main

import (
	"fmt"
	"path/filepath"
	"strings"
)

const maxUploadSize = 10 << 20

var fileTypes = map[string]string{
	".json": "application/json",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
}

// fileTypeFor guesses the mime type sent with an AI query; unknown
// extensions are sent as plain text.
func fileTypeFor(path string) string {
	if t, ok := fileTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "text/plain"
}

// moveVector renders b as a Move vector<u8> literal, e.g. [1u8, 255u8].
func moveVector(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b)*6 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%du8", v)
	}
	sb.WriteByte(']')
	return sb.String()
}
