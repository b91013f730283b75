package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/callwarden/internal/model"
)

func newTestLog(t *testing.T) (*FileSink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEvent(decision model.Decision) *Event {
	return &Event{
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(model.TimeFormat),
		CallID:        "c-test123",
		SessionID:     "s-1",
		Tool:          "read_file",
		Args:          map[string]any{"path": "/tmp/notes.txt"},
		Decision:      decision,
		PolicyVersion: "abc123",
	}
}

func record(t *testing.T, l *FileSink, ev *Event) {
	t.Helper()
	if err := l.Write(context.Background(), ev); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		record(t, l, testEvent(model.Allowed))
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, testEvent(model.Denied))
	}
	l.Close()

	// Tamper: flip the decision in line 2
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"DENIED"`, `"ALLOWED"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, testEvent(model.Allowed))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, testEvent(model.Allowed))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fake := testEvent(model.Denied)
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	if Verify(path).Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 {
		t.Fatalf("expected 0 lines, got %d", result.Lines)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	result := Verify(filepath.Join(t.TempDir(), "missing.jsonl"))
	if result.Valid || !strings.HasPrefix(result.Error, "open:") {
		t.Fatalf("expected open error, got %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Write(context.Background(), testEvent(model.Allowed))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestGenesisHashIsCorrect(t *testing.T) {
	l, path := newTestLog(t)
	record(t, l, testEvent(model.Allowed))
	l.Close()

	data, _ := os.ReadFile(path)
	var ev Event
	json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev)

	if ev.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, ev.PrevHash)
	}
}

func TestWriteDoesNotMutateEvent(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()
	ev := testEvent(model.Allowed)
	record(t, l, ev)
	if ev.PrevHash != "" {
		t.Fatalf("expected caller's event untouched, got prev_hash %q", ev.PrevHash)
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"ts":"2025-01-15T10:30:00.000Z","call_id":"c-abc","tool":"cmd","decision":"ALLOWED","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	h2 := HashLine(line)
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s and %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %s", h1)
	}
	if len(h1) != 7+64 {
		t.Fatalf("expected 71 char hash string, got %d", len(h1))
	}
	if HashLine([]byte("v1")) == HashLine([]byte("v2")) {
		t.Fatal("expected different hashes for different inputs")
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		record(t, l1, testEvent(model.Allowed))
	}
	l1.Close()

	l2, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		record(t, l2, testEvent(model.Denied))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerify10KEntriesUnder1Second(t *testing.T) {
	l, path := newTestLog(t)

	ev := testEvent(model.Allowed)
	for i := 0; i < 10000; i++ {
		record(t, l, ev)
	}
	l.Close()

	start := time.Now()
	result := Verify(path)
	elapsed := time.Since(start)

	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 10000 {
		t.Fatalf("expected 10000 lines, got %d", result.Lines)
	}
	if elapsed > time.Second {
		t.Fatalf("verification took %v, expected < 1s", elapsed)
	}
}

func TestReadFiltersAndSummarizes(t *testing.T) {
	l, path := newTestLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, d := range []model.Decision{model.Allowed, model.Denied, model.CallWouldDeny, model.Warned} {
		ev := testEvent(d)
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(model.TimeFormat)
		if i == 3 {
			ev.SessionID = "s-2"
			ev.PolicyError = true
		}
		record(t, l, ev)
	}
	l.Close()
	// Garbage lines are skipped, not fatal.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	f.WriteString("not json\n\n")
	f.Close()

	all, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if all.Summary.Total != 4 || all.Skipped != 1 {
		t.Fatalf("expected 4 events and 1 skipped line, got %+v skipped=%d", all.Summary, all.Skipped)
	}
	if all.Summary.Denied != 1 || all.Summary.WouldDeny != 1 || all.Summary.Warned != 1 || all.Summary.PolicyErrors != 1 {
		t.Fatalf("unexpected summary %+v", all.Summary)
	}

	s1, err := Read(path, Filter{SessionID: "s-1", From: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(s1.Events) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(s1.Events))
	}

	if got := all.Tail(2); len(got) != 2 || got[1].SessionID != "s-2" {
		t.Fatalf("unexpected tail %+v", got)
	}
	if got := all.Tail(0); len(got) != 4 {
		t.Fatalf("expected whole log for n=0, got %d", len(got))
	}
}

func TestFormatTimeline(t *testing.T) {
	if got := FormatTimeline(nil, Summary{}); got != "No events found.\n" {
		t.Fatalf("unexpected empty rendering %q", got)
	}

	ev := testEvent(model.Denied)
	ev.Timestamp = "2026-03-01T12:00:00.000Z"
	ev.DecidedBy = "block-dotenv"
	ev.PolicyError = true
	out := FormatTimeline([]Event{*ev}, Summary{Total: 1, Denied: 1, PolicyErrors: 1})

	for _, want := range []string{"Events: 1 | 2026-03-01 12:00:00", "DENIED", "block-dotenv", "[policy-error]", "Summary: 1 denied | 1 policy error(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
