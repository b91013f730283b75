package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures SQLiteBackend.
type SQLiteConfig struct {
	Path string
	// BusyTimeout is how long a writer waits for the database lock.
	// Default: 5s.
	BusyTimeout time.Duration
	// IdleTTL removes sessions not updated for this long. Zero disables
	// cleanup.
	IdleTTL time.Duration
	// CleanupSchedule is a standard cron expression. Default: "*/15 * * * *".
	CleanupSchedule string
	Logger          *slog.Logger
}

// SQLiteBackend persists counters in a SQLite database so they survive
// restarts and can be shared by processes on one host. Every operation is
// a single immediate transaction.
type SQLiteBackend struct {
	db        *sql.DB
	cfg       SQLiteConfig
	cron      *cron.Cron
	logger    *slog.Logger
	closeOnce sync.Once
	now       func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	attempts   INTEGER NOT NULL DEFAULT 0,
	executions INTEGER NOT NULL DEFAULT 0,
	in_flight  INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_tools (
	session_id TEXT NOT NULL,
	tool       TEXT NOT NULL,
	executions INTEGER NOT NULL DEFAULT 0,
	in_flight  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, tool)
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// NewSQLiteBackend opens (or creates) the database at cfg.Path.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, errors.New("session: sqlite path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "*/15 * * * *"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init schema: %w", err)
	}

	b := &SQLiteBackend{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "session.sqlite"),
		now:    time.Now,
	}
	if cfg.IdleTTL > 0 {
		if _, err := cron.ParseStandard(cfg.CleanupSchedule); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		b.cron = cron.New()
		if _, err := b.cron.AddFunc(cfg.CleanupSchedule, b.runCleanup); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: schedule cleanup: %w", err)
		}
		b.cron.Start()
	}
	return b, nil
}

func (b *SQLiteBackend) Attempt(ctx context.Context, sessionID string, max int) (Result, error) {
	var res Result
	err := b.tx(ctx, func(tx *sql.Tx) error {
		snap, err := b.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		res = CheckAttempts(snap, max)
		if !res.Allowed {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET attempts = attempts + 1, updated_at = ? WHERE session_id = ?`,
			b.now().Unix(), sessionID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("session: attempt: %w", err)
	}
	return res, nil
}

func (b *SQLiteBackend) Reserve(ctx context.Context, sessionID, tool string, limits Limits) (Result, error) {
	var res Result
	err := b.tx(ctx, func(tx *sql.Tx) error {
		snap, err := b.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		res = CheckExecutions(snap, tool, limits)
		if !res.Allowed {
			return nil
		}
		return b.bump(ctx, tx, sessionID, tool, 0, 1)
	})
	if err != nil {
		return Result{}, fmt.Errorf("session: reserve: %w", err)
	}
	return res, nil
}

func (b *SQLiteBackend) Commit(ctx context.Context, sessionID, tool string) error {
	err := b.tx(ctx, func(tx *sql.Tx) error {
		if _, err := b.load(ctx, tx, sessionID); err != nil {
			return err
		}
		return b.bump(ctx, tx, sessionID, tool, 1, -1)
	})
	if err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Release(ctx context.Context, sessionID, tool string) error {
	err := b.tx(ctx, func(tx *sql.Tx) error {
		if _, err := b.load(ctx, tx, sessionID); err != nil {
			return err
		}
		return b.bump(ctx, tx, sessionID, tool, 0, -1)
	})
	if err != nil {
		return fmt.Errorf("session: release: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := b.tx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = b.read(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: snapshot: %w", err)
	}
	return snap, nil
}

// Cleanup deletes sessions idle for longer than ttl and returns how many
// were removed.
func (b *SQLiteBackend) Cleanup(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := b.now().Add(-ttl).Unix()
	var n int64
	err := b.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM session_tools WHERE session_id IN (SELECT session_id FROM sessions WHERE updated_at < ?)`, cutoff); err != nil {
			return err
		}
		r, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	return n, err
}

func (b *SQLiteBackend) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := b.Cleanup(ctx, b.cfg.IdleTTL)
	if err != nil {
		b.logger.Error("session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		b.logger.Info("removed idle sessions", "count", n, "ttl", b.cfg.IdleTTL)
	}
}

func (b *SQLiteBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.cron != nil {
			<-b.cron.Stop().Done()
		}
		err = b.db.Close()
	})
	return err
}

func (b *SQLiteBackend) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// load ensures the session row exists and returns its counters.
func (b *SQLiteBackend) load(ctx context.Context, tx *sql.Tx, sessionID string) (Snapshot, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, updated_at) VALUES (?, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, b.now().Unix()); err != nil {
		return Snapshot{}, err
	}
	return b.read(ctx, tx, sessionID)
}

func (b *SQLiteBackend) read(ctx context.Context, tx *sql.Tx, sessionID string) (Snapshot, error) {
	var snap Snapshot
	err := tx.QueryRowContext(ctx,
		`SELECT attempts, executions, in_flight FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&snap.Attempts, &snap.Executions, &snap.InFlight)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT tool, executions, in_flight FROM session_tools WHERE session_id = ?`, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tool string
		var execs, inflight int
		if err := rows.Scan(&tool, &execs, &inflight); err != nil {
			return Snapshot{}, err
		}
		if execs > 0 {
			if snap.ToolExecutions == nil {
				snap.ToolExecutions = make(map[string]int)
			}
			snap.ToolExecutions[tool] = execs
		}
		if inflight > 0 {
			if snap.ToolInFlight == nil {
				snap.ToolInFlight = make(map[string]int)
			}
			snap.ToolInFlight[tool] = inflight
		}
	}
	return snap, rows.Err()
}

// bump adds to the execution and in-flight counters of a session and its
// tool row. In-flight never drops below zero.
func (b *SQLiteBackend) bump(ctx context.Context, tx *sql.Tx, sessionID, tool string, execs, inflight int) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET executions = executions + ?, in_flight = MAX(in_flight + ?, 0), updated_at = ? WHERE session_id = ?`,
		execs, inflight, b.now().Unix(), sessionID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_tools (session_id, tool, executions, in_flight) VALUES (?, ?, ?, MAX(?, 0))
		ON CONFLICT (session_id, tool) DO UPDATE SET
			executions = executions + excluded.executions,
			in_flight = MAX(in_flight + ?, 0)`,
		sessionID, tool, execs, inflight, inflight)
	return err
}
