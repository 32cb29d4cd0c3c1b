package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gojson "github.com/coreos/go-json"
	jp "github.com/reclaimprotocol/jsonpathplus-go"
)

// extractJSONValue returns the raw bytes of the first value selected by
// jsonPathExpr, exactly as they appear in doc. Upstream values are taken
// verbatim so no float round-trip can alter what gets signed.
func extractJSONValue(doc []byte, jsonPathExpr string) (json.RawMessage, error) {
	results, err := jp.Query(jsonPathExpr, string(doc))
	if err != nil {
		return nil, fmt.Errorf("JSONPath query failed: %v", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("jsonPath %s not found", jsonPathExpr)
	}

	var root gojson.Node
	if err := gojson.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("failed to parse JSON for offsets: %v", err)
	}

	path := results[0].Path
	n, err := findNodeBySegments(&root, jsonPathToSegments(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %q: %v", path, err)
	}
	// Node.End is inclusive.
	start, end := n.Start, n.End+1
	if start < 0 || end > len(doc) || start > end {
		return nil, fmt.Errorf("invalid range computed for path %q: [%d,%d)", path, start, end)
	}
	return json.RawMessage(doc[start:end]), nil
}

func extractString(doc []byte, expr string) (string, error) {
	raw, err := extractJSONValue(doc, expr)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s is not a string: %v", expr, err)
	}
	return s, nil
}

func extractNumber(doc []byte, expr string) (json.Number, error) {
	raw, err := extractJSONValue(doc, expr)
	if err != nil {
		return "", err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%s is not a number: %v", expr, err)
	}
	return n, nil
}

// jsonPathToSegments splits a JSONPath like $.a[1]['b.c'] into ["a","1","b.c"].
// An unterminated bracket keeps the remainder as one segment.
func jsonPathToSegments(path string) []string {
	p := strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	var segments []string
	for p != "" {
		switch p[0] {
		case '.':
			p = p[1:]
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 {
				return append(segments, p[1:])
			}
			segments = append(segments, strings.Trim(p[1:end], `'"`))
			p = p[end+1:]
		default:
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			segments = append(segments, p[:end])
			p = p[end:]
		}
	}
	return segments
}

// findNodeBySegments walks a coreos/go-json Node tree following the provided segments.
func findNodeBySegments(node *gojson.Node, segments []string) (*gojson.Node, error) {
	cur := node
	for i, seg := range segments {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("object key %q not found at segment %d", seg, i)
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q at segment %d", seg, i)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds at segment %d", idx, i)
			}
			cur = &v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at segment %d", v, i)
		}
	}
	return cur, nil
}
