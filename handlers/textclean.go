package handlers

import (
	"strings"
	"unicode/utf8"
)

// Rule replaces every occurrence of Pattern with Replacement.
type Rule struct {
	Pattern     string
	Replacement string
}

// CleanText applies rules in order, each over the whole string, then trims
// surrounding whitespace.
func CleanText(s string, rules []Rule) string {
	for _, r := range rules {
		s = strings.ReplaceAll(s, r.Pattern, r.Replacement)
	}
	return strings.TrimSpace(s)
}

// AnswerRules flatten model output into a single plain-text line that is
// cheap to store on chain.
var AnswerRules = []Rule{
	{"\n", " "},
	{"\r", " "},
	{"\t", " "},
	{"**", ""},
	{"*", ""},
	{"$", "USD "},
	{"#", ""},
	{"`", "'"},
	{`"`, "'"},
	{`\`, "/"},
	{"  ", " "},
}

var QuestionRules = []Rule{
	{"\n", " "},
	{"\r", " "},
	{`"`, "'"},
}

// lossyUTF8 decodes b, replacing each maximal ill-formed subsequence with
// U+FFFD as Unicode 15 §3.9 specifies. A truncated multi-byte sequence yields
// one replacement character; each stray byte yields its own.
func lossyUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 2)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size != 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[illFormedPrefixLen(b):]
	}
	return sb.String()
}

// illFormedPrefixLen returns how many bytes of b, which does not start with a
// valid encoding, form a truncated but otherwise well-formed prefix.
func illFormedPrefixLen(b []byte) int {
	need, lo, hi := 0, byte(0x80), byte(0xBF)
	switch lead := b[0]; {
	case lead >= 0xC2 && lead <= 0xDF:
		need = 1
	case lead == 0xE0:
		need, lo = 2, 0xA0
	case lead == 0xED:
		need, hi = 2, 0x9F
	case lead >= 0xE1 && lead <= 0xEF:
		need = 2
	case lead == 0xF0:
		need, lo = 3, 0x90
	case lead == 0xF4:
		need, hi = 3, 0x8F
	case lead >= 0xF1 && lead <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for ; n <= need && n < len(b); n++ {
		if b[n] < lo || b[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}
