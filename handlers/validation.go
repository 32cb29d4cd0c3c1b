package handlers

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Compiled request schemas, keyed by handler name.
var (
	schemaCache = make(map[string]*gojsonschema.Schema)
	schemaMutex sync.RWMutex
)

func init() {
	gojsonschema.FormatCheckers.Add("base64", base64FormatChecker{})
}

type base64FormatChecker struct{}

func (base64FormatChecker) IsFormat(input interface{}) bool {
	str, ok := input.(string)
	if !ok {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(str)
	return err == nil
}

func compiledSchema(name string, schema map[string]any) (*gojsonschema.Schema, error) {
	schemaMutex.RLock()
	compiled, ok := schemaCache[name]
	schemaMutex.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, err
	}
	schemaMutex.Lock()
	schemaCache[name] = compiled
	schemaMutex.Unlock()
	return compiled, nil
}

// validateAndUnmarshal checks raw against the named schema, then decodes it
// into target. Every failure wraps ErrInvalidRequest.
func validateAndUnmarshal(name string, schema map[string]any, raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return invalidRequest("missing payload")
	}
	compiled, err := compiledSchema(name, schema)
	if err != nil {
		return computationFailed("failed to compile schema for %s: %v", name, err)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return invalidRequest("invalid JSON: %v", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return invalidRequest("%s", b.String())
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return invalidRequest("failed to unmarshal to target type: %v", err)
	}
	return nil
}
