package redact

import (
	"regexp"
	"sort"
)

// PatternType identifies the category of a detected secret.
type PatternType string

const (
	PatternAPIKey PatternType = "API_KEY"
	PatternAWSKey PatternType = "AWS_KEY"
	PatternJWT    PatternType = "JWT"
	PatternBearer PatternType = "BEARER"
	PatternHex    PatternType = "HEX_SECRET"
)

// Match is a single occurrence of a secret in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

type pattern struct {
	typ PatternType
	re  *regexp.Regexp
}

// Built-in secret formats. Order matters only for overlapping matches,
// where the earliest and then longest match wins.
var builtinPatterns = []pattern{
	// Provider API keys: OpenAI/Anthropic sk-, Groq gsk_, Slack xox?-, GitHub.
	{PatternAPIKey, regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{16,}`)},
	{PatternAPIKey, regexp.MustCompile(`\bgsk_[A-Za-z0-9]{20,}`)},
	{PatternAPIKey, regexp.MustCompile(`\bxox[bpas]-[A-Za-z0-9\-]{10,}`)},
	{PatternAPIKey, regexp.MustCompile(`\b(?:ghp_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`)},

	// AWS access key ids.
	{PatternAWSKey, regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},

	// JWT-shaped triples.
	{PatternJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)},

	// Bearer tokens.
	{PatternBearer, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-\.=+/]{8,}`)},

	// Long hex strings (hashes used as secrets, raw keys).
	{PatternHex, regexp.MustCompile(`\b[0-9a-fA-F]{64,}\b`)},
}

// Scan finds every secret in text, built-in formats first and then extra,
// and returns non-overlapping matches sorted by position.
func Scan(text string, extra []ExtraPattern) []Match {
	var matches []Match
	collect := func(typ PatternType, re *regexp.Regexp) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Type: typ, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	for _, p := range builtinPatterns {
		collect(p.typ, p.re)
	}
	for _, p := range extra {
		collect(p.Type, p.Regex)
	}
	if len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})

	out := matches[:0]
	end := -1
	for _, m := range matches {
		if m.Start < end {
			continue
		}
		out = append(out, m)
		end = m.End
	}
	return out
}

// Scrub replaces every secret in text with Marker.
func Scrub(text string, extra []ExtraPattern) string {
	matches := Scan(text, extra)
	if len(matches) == 0 {
		return text
	}
	buf := make([]byte, 0, len(text))
	last := 0
	for _, m := range matches {
		buf = append(buf, text[last:m.Start]...)
		buf = append(buf, Marker...)
		last = m.End
	}
	buf = append(buf, text[last:]...)
	return string(buf)
}
