package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/callwarden/internal/expr"
)

// ValidateTemplate checks that every '{' is closed before the next one
// opens, that no '}' is unmatched, that placeholders are non-empty dotted
// names, and that the template fits MaxMessageLen.
func ValidateTemplate(tmpl string) error {
	if n := utf8.RuneCountInString(tmpl); n > MaxMessageLen {
		return fmt.Errorf("message template is %d characters, max %d", n, MaxMessageLen)
	}
	open := -1
	for i, r := range tmpl {
		switch r {
		case '{':
			if open >= 0 {
				return fmt.Errorf("message template: nested '{' at offset %d", i)
			}
			open = i
		case '}':
			if open < 0 {
				return fmt.Errorf("message template: unmatched '}' at offset %d", i)
			}
			name := tmpl[open+1 : i]
			if !validPlaceholder(name) {
				return fmt.Errorf("message template: invalid placeholder {%s}", name)
			}
			open = -1
		}
	}
	if open >= 0 {
		return fmt.Errorf("message template: unclosed '{' at offset %d", open)
	}
	return nil
}

func validPlaceholder(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// RenderMessage expands {selector} placeholders against f. Placeholders that
// do not resolve stay verbatim. Each expansion is capped at MaxExpansionLen
// and the result at MaxMessageLen.
func RenderMessage(tmpl string, f expr.Facts) string {
	var sb strings.Builder
	rest := tmpl
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			sb.WriteString(rest)
			break
		}
		end += start
		sb.WriteString(rest[:start])

		name := rest[start+1 : end]
		if v, ok := expr.Resolve(name, f); ok {
			sb.WriteString(truncate(formatValue(v), MaxExpansionLen))
		} else {
			sb.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	return truncate(sb.String(), MaxMessageLen)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
