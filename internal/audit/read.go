package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/callwarden/internal/model"
)

// Filter selects events when reading a log. Zero fields match everything.
type Filter struct {
	SessionID string
	Tool      string
	From      time.Time
	To        time.Time
}

func (f Filter) match(ev *Event) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.Tool != "" && ev.Tool != f.Tool {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(model.TimeFormat, ev.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// Summary counts decisions across a set of events.
type Summary struct {
	Total          int    `json:"total"`
	Allowed        int    `json:"allowed"`
	Denied         int    `json:"denied"`
	WouldDeny      int    `json:"would_deny"`
	Warned         int    `json:"warned"`
	PolicyErrors   int    `json:"policy_errors"`
	FirstTimestamp string `json:"first_timestamp,omitempty"`
	LastTimestamp  string `json:"last_timestamp,omitempty"`
}

func (s *Summary) add(ev *Event) {
	s.Total++
	switch ev.Decision {
	case model.Allowed:
		s.Allowed++
	case model.Denied:
		s.Denied++
	case model.CallWouldDeny:
		s.WouldDeny++
	case model.Warned:
		s.Warned++
	}
	if ev.PolicyError {
		s.PolicyErrors++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = ev.Timestamp
	}
	s.LastTimestamp = ev.Timestamp
}

// Log is a filtered set of events read from disk.
type Log struct {
	Events  []Event `json:"events"`
	Summary Summary `json:"summary"`
	// Skipped counts malformed lines.
	Skipped int `json:"skipped,omitempty"`
}

// ReadEvents reads every event from a JSONL log. Both hash-chained logs
// and plain console output are accepted; malformed lines are skipped.
func ReadEvents(path string) (*Log, error) {
	return Read(path, Filter{})
}

// Read reads events matching filter from a JSONL log.
func Read(path string, filter Filter) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	out := &Log{}
	scanner := newLineScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Tool == "" {
			out.Skipped++
			continue
		}
		if !filter.match(&ev) {
			continue
		}
		out.Events = append(out.Events, ev)
		out.Summary.add(&ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

// Tail returns the last n events of l, or all of them when n <= 0.
func (l *Log) Tail(n int) []Event {
	if n <= 0 || n >= len(l.Events) {
		return l.Events
	}
	return l.Events[len(l.Events)-n:]
}
