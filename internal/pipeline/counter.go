package pipeline

import (
	"context"

	"github.com/ppiankov/callwarden/internal/session"
)

// SnapshotCounter answers limit checks from a fixed snapshot and never
// changes anything. Dry runs use it.
type SnapshotCounter session.Snapshot

func (s SnapshotCounter) Attempt(_ context.Context, _ string, max int) (session.Result, error) {
	return session.CheckAttempts(session.Snapshot(s), max), nil
}

func (s SnapshotCounter) Reserve(_ context.Context, _, tool string, l session.Limits) (session.Result, error) {
	return session.CheckExecutions(session.Snapshot(s), tool, l), nil
}
