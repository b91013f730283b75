package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/callwarden/internal/redact"
)

// Emitter accepts events from the decision path. Emit must never block
// on, or fail because of, the sink.
type Emitter interface {
	Emit(ev *Event)
}

// EmitterOption configures emitters.
type EmitterOption func(*emitterConfig)

type emitterConfig struct {
	redactor     *redact.Redactor
	logger       *slog.Logger
	queueSize    int
	writeTimeout time.Duration
	onDrop       func()
	onError      func(error)
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *redact.Redactor) EmitterOption {
	return func(c *emitterConfig) { c.redactor = r }
}

// WithLogger sets the logger for dropped events and sink failures.
func WithLogger(l *slog.Logger) EmitterOption {
	return func(c *emitterConfig) { c.logger = l }
}

// WithQueueSize bounds the async queue. Default: 1024.
func WithQueueSize(n int) EmitterOption {
	return func(c *emitterConfig) { c.queueSize = n }
}

// WithWriteTimeout bounds a single sink write. Default: 30s.
func WithWriteTimeout(d time.Duration) EmitterOption {
	return func(c *emitterConfig) { c.writeTimeout = d }
}

// WithDropHook is called for every dropped event.
func WithDropHook(fn func()) EmitterOption {
	return func(c *emitterConfig) { c.onDrop = fn }
}

// WithErrorHook is called for every failed sink write.
func WithErrorHook(fn func(error)) EmitterOption {
	return func(c *emitterConfig) { c.onError = fn }
}

func newEmitterConfig(opts []EmitterOption) emitterConfig {
	cfg := emitterConfig{queueSize: 1024, writeTimeout: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.redactor == nil {
		cfg.redactor = redact.Default()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	cfg.logger = cfg.logger.With("component", "audit")
	return cfg
}

func (c *emitterConfig) write(sink Sink, ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := sink.Write(ctx, Redact(ev, c.redactor)); err != nil {
		c.logger.Error("audit sink write failed", "call_id", ev.CallID, "error", err)
		if c.onError != nil {
			c.onError(err)
		}
	}
}

// SyncEmitter redacts and writes inline. Sink errors are logged and
// swallowed.
type SyncEmitter struct {
	sink Sink
	cfg  emitterConfig
}

// NewSyncEmitter writes each event before Emit returns.
func NewSyncEmitter(sink Sink, opts ...EmitterOption) *SyncEmitter {
	return &SyncEmitter{sink: sink, cfg: newEmitterConfig(opts)}
}

func (e *SyncEmitter) Emit(ev *Event) {
	e.cfg.write(e.sink, ev)
}

// AsyncEmitter queues events for a single background writer. When the
// queue is full the event is dropped and counted.
type AsyncEmitter struct {
	sink    Sink
	cfg     emitterConfig
	queue   chan *Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// NewAsyncEmitter starts the writer goroutine. Call Close to drain it.
func NewAsyncEmitter(sink Sink, opts ...EmitterOption) *AsyncEmitter {
	cfg := newEmitterConfig(opts)
	if cfg.queueSize <= 0 {
		cfg.queueSize = 1
	}
	e := &AsyncEmitter{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan *Event, cfg.queueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *AsyncEmitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.cfg.write(e.sink, ev)
	}
}

func (e *AsyncEmitter) Emit(ev *Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ev, "emitter closed")
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.drop(ev, "queue full")
	}
}

func (e *AsyncEmitter) drop(ev *Event, reason string) {
	e.dropped.Add(1)
	e.cfg.logger.Warn("audit event dropped", "call_id", ev.CallID, "reason", reason)
	if e.cfg.onDrop != nil {
		e.cfg.onDrop()
	}
}

// Dropped returns how many events were discarded.
func (e *AsyncEmitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain, or for
// ctx to end. The sink is closed after a full drain.
func (e *AsyncEmitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return e.sink.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
