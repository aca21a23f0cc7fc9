// Package threads persists conversation threads and their messages.
// It is independent of the checkpointer: checkpoints capture engine state,
// this store holds what the user sees.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaomayi-ant/smart-agent/graph/store"
)

// Thread is one conversation.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn. Content is stored as JSON so multimodal
// and tool payloads survive verbatim.
type Message struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	UserID    string          `json:"user_id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// DB is the pgx surface the store needs. *pgxpool.Pool implements it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store reads and writes threads with row-level owner filtering: every
// query carries the authenticated user_id, so a thread owned by someone
// else behaves exactly like a missing one.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

const threadsSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id);

CREATE TABLE IF NOT EXISTS thread_messages (
	id         BIGSERIAL PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads (id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages (thread_id, created_at);
`

// NewStore opens a pooled connection to the thread database. The DSN goes
// through the same normalization as the checkpointer's.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, store.NormalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB wraps an existing connection surface (tests).
func NewStoreFromDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) setup(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, threadsSchema); err != nil {
		return fmt.Errorf("create thread schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureThread creates the thread if it does not exist. Idempotent; the
// upsert never reassigns an existing thread to another user.
func (s *Store) EnsureThread(ctx context.Context, threadID, userID string) error {
	if userID == "" {
		return errors.New("thread requires an authenticated user")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO threads (id, user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, threadID, userID)
	if err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}
	return nil
}

// GetThreadOwner returns the thread's user_id, or "" when the thread does
// not exist.
func (s *Store) GetThreadOwner(ctx context.Context, threadID string) (string, error) {
	var owner string
	err := s.db.QueryRow(ctx, `SELECT user_id FROM threads WHERE id = $1`, threadID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get thread owner: %w", err)
	}
	return owner, nil
}

// InsertMessage appends one message and bumps the thread's updated_at in
// the same transaction.
func (s *Store) InsertMessage(ctx context.Context, threadID, userID, role string, content json.RawMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO thread_messages (thread_id, user_id, role, content)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM threads WHERE id = $1 AND user_id = $2)`,
		threadID, userID, role, content)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `UPDATE threads SET updated_at = now() WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadMessages returns the thread's messages in insertion order, or nil
// when the thread is absent or owned by a different user.
func (s *Store) LoadMessages(ctx context.Context, threadID, userID string) ([]Message, error) {
	owner, err := s.GetThreadOwner(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if owner == "" || owner != userID {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, thread_id, user_id, role, content, created_at
		FROM thread_messages
		WHERE thread_id = $1 AND user_id = $2
		ORDER BY id`, threadID, userID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteThread removes the thread and its messages. Deleting someone
// else's thread affects zero rows and reports not found.
func (s *Store) DeleteThread(ctx context.Context, threadID, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM threads WHERE id = $1 AND user_id = $2`, threadID, userID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TouchThread bumps updated_at, owner-scoped.
func (s *Store) TouchThread(ctx context.Context, threadID, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE threads SET updated_at = now() WHERE id = $1 AND user_id = $2`, threadID, userID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}
