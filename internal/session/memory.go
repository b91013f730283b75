package session

import (
	"context"
	"sync"
)

type memState struct {
	mu   sync.Mutex
	snap Snapshot
}

// MemoryBackend keeps counters in process memory. Each session has its
// own mutex, so sessions never contend with each other.
type MemoryBackend struct {
	sessions sync.Map // session id -> *memState
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) state(sessionID string) *memState {
	if st, ok := m.sessions.Load(sessionID); ok {
		return st.(*memState)
	}
	st, _ := m.sessions.LoadOrStore(sessionID, &memState{snap: Snapshot{
		ToolExecutions: make(map[string]int),
		ToolInFlight:   make(map[string]int),
	}})
	return st.(*memState)
}

func (m *MemoryBackend) Attempt(_ context.Context, sessionID string, max int) (Result, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	res := CheckAttempts(st.snap.Clone(), max)
	if res.Allowed {
		st.snap.Attempts++
	}
	return res, nil
}

func (m *MemoryBackend) Reserve(_ context.Context, sessionID, tool string, limits Limits) (Result, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	res := CheckExecutions(st.snap.Clone(), tool, limits)
	if res.Allowed {
		st.snap.InFlight++
		st.snap.ToolInFlight[tool]++
	}
	return res, nil
}

func (m *MemoryBackend) Commit(_ context.Context, sessionID, tool string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.release(tool)
	st.snap.Executions++
	st.snap.ToolExecutions[tool]++
	return nil
}

func (m *MemoryBackend) Release(_ context.Context, sessionID, tool string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.release(tool)
	return nil
}

func (st *memState) release(tool string) {
	if st.snap.InFlight > 0 {
		st.snap.InFlight--
	}
	if st.snap.ToolInFlight[tool] > 0 {
		st.snap.ToolInFlight[tool]--
	}
	if st.snap.ToolInFlight[tool] == 0 {
		delete(st.snap.ToolInFlight, tool)
	}
}

func (m *MemoryBackend) Snapshot(_ context.Context, sessionID string) (Snapshot, error) {
	st, ok := m.sessions.Load(sessionID)
	if !ok {
		return Snapshot{}, nil
	}
	s := st.(*memState)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

// Forget drops all counters for a session.
func (m *MemoryBackend) Forget(sessionID string) {
	m.sessions.Delete(sessionID)
}

func (m *MemoryBackend) Close() error { return nil }
