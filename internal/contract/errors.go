package contract

import (
	"fmt"
	"sort"
	"strings"
)

// Problem is one defect found while validating a bundle.
type Problem struct {
	Line    int    `json:"line,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	var sb strings.Builder
	if p.Line > 0 {
		fmt.Fprintf(&sb, "line %d: ", p.Line)
	}
	if p.Path != "" {
		sb.WriteString(p.Path)
		sb.WriteString(": ")
	}
	sb.WriteString(p.Message)
	return sb.String()
}

// ValidationError lists every problem found in a bundle. A bundle that
// fails validation is never activated.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid bundle: " + e.Problems[0].String()
	}
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = "  " + p.String()
	}
	return fmt.Sprintf("invalid bundle: %d problems:\n%s", len(e.Problems), strings.Join(lines, "\n"))
}

// ParseError reports a bundle that could not be read as a YAML mapping.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse bundle: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse bundle: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// problems accumulates validation findings.
type problems struct {
	list []Problem
	seen map[string]bool
}

func (ps *problems) add(line int, path, format string, args ...any) {
	p := Problem{Line: line, Path: path, Message: fmt.Sprintf(format, args...)}
	key := p.String()
	if ps.seen == nil {
		ps.seen = make(map[string]bool)
	}
	if ps.seen[key] {
		return
	}
	ps.seen[key] = true
	ps.list = append(ps.list, p)
}

func (ps *problems) err() error {
	if len(ps.list) == 0 {
		return nil
	}
	sort.SliceStable(ps.list, func(i, j int) bool { return ps.list[i].Line < ps.list[j].Line })
	return &ValidationError{Problems: ps.list}
}
