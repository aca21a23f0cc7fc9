package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/xiaomayi-ant/smart-agent/graph"
)

// SQLiteSaver is a single-file checkpoint saver for development. It mirrors
// the PostgresSaver schema and serialization so a workflow exercised
// locally behaves identically once pointed at Postgres, minus the
// connection resilience machinery SQLite does not need.
//
// Use ":memory:" as the path for a throwaway database.
type SQLiteSaver[S any] struct {
	db    *sql.DB
	serde Serde
	locks *threadLocks

	setupOnce sync.Once
	setupErr  error
}

// NewSQLiteSaver opens (and creates if missing) the database at path.
//
// WAL mode is enabled so readers do not block behind the single writer, and
// a busy timeout covers lock contention from a second local process.
func NewSQLiteSaver[S any](path string) (*SQLiteSaver[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	return &SQLiteSaver[S]{db: db, locks: newThreadLocks()}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT    NOT NULL,
	checkpoint_id TEXT    NOT NULL,
	parent_id     TEXT    NOT NULL DEFAULT '',
	user_id       TEXT    NOT NULL DEFAULT '',
	step          INTEGER NOT NULL,
	payload       TEXT    NOT NULL,
	metadata      TEXT    NOT NULL DEFAULT '{}',
	created_at    TEXT    NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created
	ON checkpoints (thread_id, created_at DESC);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT    NOT NULL,
	checkpoint_id TEXT    NOT NULL,
	task_id       TEXT    NOT NULL,
	idx           INTEGER NOT NULL,
	channel       TEXT    NOT NULL,
	value         TEXT,
	PRIMARY KEY (thread_id, checkpoint_id, task_id, idx)
);`

// Setup creates the schema; idempotent.
func (s *SQLiteSaver[S]) Setup(ctx context.Context) error {
	s.setupOnce.Do(func() {
		_, s.setupErr = s.db.ExecContext(ctx, sqliteSchema)
	})
	return s.setupErr
}

// Put persists one checkpoint for the thread.
func (s *SQLiteSaver[S]) Put(ctx context.Context, cfg graph.Config, cp graph.Checkpoint[S]) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	payload, err := s.serde.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	lock := s.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(thread_id, checkpoint_id, parent_id, user_id, step, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			payload = excluded.payload`,
		cp.ThreadID, cp.ID, cp.ParentID, cp.UserID, cp.Step, string(payload),
		cp.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
	return err
}

// PutWrites records node deltas committed against checkpointID.
func (s *SQLiteSaver[S]) PutWrites(ctx context.Context, cfg graph.Config, checkpointID string, writes []graph.PendingWrite) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	lock := s.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, w := range writes {
		value, err := s.serde.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("encode pending write: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoint_writes
				(thread_id, checkpoint_id, task_id, idx, channel, value)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (thread_id, checkpoint_id, task_id, idx) DO UPDATE SET
				channel = excluded.channel,
				value = excluded.value`,
			cfg.ThreadID, checkpointID, w.TaskID, i, w.Channel, string(value))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTuple returns the latest checkpoint for the thread, or
// graph.ErrNotFound.
func (s *SQLiteSaver[S]) GetTuple(ctx context.Context, cfg graph.Config) (*graph.Checkpoint[S], error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE thread_id = ? AND (? = '' OR user_id = ?)
		ORDER BY created_at DESC, step DESC
		LIMIT 1`,
		cfg.ThreadID, cfg.UserID, cfg.UserID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cp graph.Checkpoint[S]
	if err := s.serde.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns up to limit checkpoints for the thread, newest first.
func (s *SQLiteSaver[S]) List(ctx context.Context, cfg graph.Config, limit int) ([]graph.Checkpoint[S], error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE thread_id = ? AND (? = '' OR user_id = ?)
		ORDER BY created_at DESC, step DESC
		LIMIT ?`,
		cfg.ThreadID, cfg.UserID, cfg.UserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Checkpoint[S]
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cp graph.Checkpoint[S]
		if err := s.serde.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the database file.
func (s *SQLiteSaver[S]) Close() error { return s.db.Close() }
