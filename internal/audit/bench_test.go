package audit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/callwarden/internal/model"
)

func benchEvent() *Event {
	return &Event{
		CallID:        "c-bench",
		Tool:          "Bash",
		Args:          map[string]any{"command": "echo hello"},
		Decision:      model.Allowed,
		PolicyVersion: "bench",
	}
}

func BenchmarkWrite_Single(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := OpenFile(path)
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()

	ev := benchEvent()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Write(ctx, ev)
	}
}

func BenchmarkAsyncEmit(b *testing.B) {
	em := NewAsyncEmitter(NewConsoleSink(io.Discard), WithQueueSize(b.N+1))
	ev := benchEvent()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		em.Emit(ev)
	}
	b.StopTimer()
	em.Close(context.Background())
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := OpenFile(path)
	if err != nil {
		b.Fatal(err)
	}
	ev := benchEvent()
	for i := 0; i < n; i++ {
		al.Write(context.Background(), ev)
	}
	al.Close()

	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		result := Verify(path)
		if !result.Valid {
			b.Fatal("invalid chain:", result.Error)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}

func BenchmarkVerify_10000(b *testing.B) {
	benchVerify(b, 10000)
}
