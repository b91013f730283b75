// Package redact scrubs secrets from values before they are persisted.
// Redaction is destructive: nothing here can restore an original value.
package redact

import (
	"encoding/json"
	"slices"
	"strings"
	"unicode"
)

const (
	// Marker replaces a secret found inside a string.
	Marker = "[REDACTED]"
	// Masked replaces the whole value of a sensitive key.
	Masked = "***"
	// TruncatedSuffix marks a field cut at the size cap.
	TruncatedSuffix = "…[truncated]"
)

// DefaultSensitiveKeys are matched case-insensitively as substrings of a
// normalized key, where '-' and '_' are removed before comparison.
var DefaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"access_key", "private_key", "credential", "authorization",
	"cookie", "session_key", "ssn", "credit_card",
}

// DefaultSensitiveWords only match a whole word of a key, so "x_auth"
// and "authToken" are sensitive but "author" is not.
var DefaultSensitiveWords = []string{"auth"}

// Redactor applies key stripping, pattern scrubbing and the field cap.
// It is safe for concurrent use.
type Redactor struct {
	keys     []string
	words    []string
	patterns []ExtraPattern
	maxField int
}

// New builds a Redactor from cfg, which may be nil.
func New(cfg *Config) (*Redactor, error) {
	r := &Redactor{maxField: DefaultMaxFieldBytes}
	r.keys = normalizeKeys(DefaultSensitiveKeys)
	r.words = DefaultSensitiveWords
	if cfg == nil {
		return r, nil
	}
	patterns, err := CompilePatterns(cfg)
	if err != nil {
		return nil, err
	}
	r.patterns = patterns
	r.keys = append(r.keys, normalizeKeys(cfg.ExtraKeys)...)
	if cfg.MaxFieldBytes > 0 {
		r.maxField = cfg.MaxFieldBytes
	}
	return r, nil
}

// Default returns a Redactor with only the built-in rules.
func Default() *Redactor {
	r, _ := New(nil)
	return r
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if n := normalizeKey(k); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func normalizeKey(k string) string {
	return strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(k))
}

// SensitiveKey reports whether values under key must be masked.
func (r *Redactor) SensitiveKey(key string) bool {
	n := normalizeKey(key)
	if n == "" {
		return false
	}
	for _, k := range r.keys {
		if strings.Contains(n, k) {
			return true
		}
	}
	for _, w := range keyWords(key) {
		if slices.Contains(r.words, w) {
			return true
		}
	}
	return false
}

// keyWords splits a key into lower-case words at separators and at
// lower-to-upper case changes.
func keyWords(key string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, c := range key {
		switch {
		case !unicode.IsLetter(c) && !unicode.IsDigit(c):
			flush()
		case unicode.IsUpper(c) && unicode.IsLower(prev):
			flush()
			cur = append(cur, c)
		default:
			cur = append(cur, c)
		}
		prev = c
	}
	flush()
	return words
}

// String scrubs secrets from s and caps it.
func (r *Redactor) String(s string) string {
	return r.truncate(Scrub(s, r.patterns))
}

// Map returns a redacted deep copy of m. Values under sensitive keys are
// masked; strings anywhere else are scrubbed; each top-level field is
// capped at the configured size.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.SensitiveKey(k) {
			out[k] = MaskValue(v)
			continue
		}
		out[k] = r.capField(r.value(v))
	}
	return out
}

// Value redacts an arbitrary normalized value.
func (r *Redactor) Value(v any) any {
	return r.capField(r.value(v))
}

func (r *Redactor) value(v any) any {
	switch x := v.(type) {
	case string:
		return Scrub(x, r.patterns)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			if r.SensitiveKey(k) {
				out[k] = MaskValue(vv)
			} else {
				out[k] = r.value(vv)
			}
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = r.value(vv)
		}
		return out
	default:
		return v
	}
}

// capField replaces a value whose JSON encoding exceeds the cap with a
// truncated string of that encoding.
func (r *Redactor) capField(v any) any {
	if s, ok := v.(string); ok {
		return r.truncate(s)
	}
	switch v.(type) {
	case map[string]any, []any:
	default:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil || len(b) <= r.maxField {
		return v
	}
	return r.truncate(string(b))
}

func (r *Redactor) truncate(s string) string {
	if len(s) <= r.maxField {
		return s
	}
	cut := r.maxField - len(TruncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	// Back off to a rune boundary.
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedSuffix
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// MaskValue replaces any non-nil value with "***", whatever its type.
func MaskValue(v any) any {
	if v == nil {
		return nil
	}
	return Masked
}
