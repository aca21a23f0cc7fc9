package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xiaomayi-ant/smart-agent/graph"
)

// DefaultMaxConnAge is how long a Postgres connection is trusted before it
// is proactively recycled. Managed Postgres and intermediate proxies drop
// idle connections a little after this window, so reconnecting first turns
// a mid-request failure into a cheap reconnect.
const DefaultMaxConnAge = 210 * time.Second

const (
	defaultReadAttempts  = 3
	defaultWriteAttempts = 2
)

// connectionErrorNeedles are substrings that identify a dead or dying
// connection in driver and server error text. Matching is heuristic on
// purpose: the failure surfaces differently depending on whether the
// server, a proxy, or TLS noticed first.
var connectionErrorNeedles = []string{
	"the connection is closed",
	"ssl syscall error",
	"eof detected",
	"connection reset",
	"bad length",
	"server closed the connection",
}

// isConnectionError reports whether err looks like a broken connection that
// a reconnect would fix.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range connectionErrorNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// PostgresOptions configures a PostgresSaver.
type PostgresOptions struct {
	// MaxConnAge overrides DefaultMaxConnAge when positive.
	MaxConnAge time.Duration

	// Logger receives reconnect and retry events. Nil uses slog.Default.
	Logger *slog.Logger
}

// PostgresSaver is the production checkpoint saver.
//
// It holds a single lazily-opened pgx connection rather than a pool:
// checkpoint writes for one process are serialized per thread anyway, and a
// single connection makes the recycling and retry story exact. The
// connection is recycled proactively once it reaches MaxConnAge, and any
// operation that fails with a connection-shaped error drops the connection
// and retries on a fresh one (up to 3 attempts for reads, one retry for
// writes).
//
// Concurrent Put and PutWrites calls for the same thread serialize through
// a per-thread mutex so the chain observed in the database is a total
// order. Calls across threads contend on the connection mutex, which is
// held for the full duration of each operation: a pgx.Conn is not safe for
// concurrent use, so overlapping runs on different threads take turns.
type PostgresSaver[S any] struct {
	dsn        string
	maxConnAge time.Duration
	serde      Serde
	locks      *threadLocks
	logger     *slog.Logger

	connect   func(ctx context.Context, dsn string) (*pgx.Conn, error)
	closeConn func(ctx context.Context, conn *pgx.Conn)

	setupOnce sync.Once
	setupErr  error

	mu          sync.Mutex
	conn        *pgx.Conn
	connectedAt time.Time
}

// NewPostgresSaver creates a saver for the given DSN. The DSN is normalized
// (see NormalizeDSN); no connection is opened until first use.
func NewPostgresSaver[S any](dsn string, opts PostgresOptions) *PostgresSaver[S] {
	maxAge := opts.MaxConnAge
	if maxAge <= 0 {
		maxAge = DefaultMaxConnAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSaver[S]{
		dsn:        NormalizeDSN(dsn),
		maxConnAge: maxAge,
		locks:      newThreadLocks(),
		logger:     logger,
		connect: func(ctx context.Context, dsn string) (*pgx.Conn, error) {
			return pgx.Connect(ctx, dsn)
		},
		closeConn: func(ctx context.Context, conn *pgx.Conn) {
			_ = conn.Close(ctx)
		},
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT        NOT NULL,
	checkpoint_id TEXT        NOT NULL,
	parent_id     TEXT        NOT NULL DEFAULT '',
	user_id       TEXT        NOT NULL DEFAULT '',
	step          INTEGER     NOT NULL,
	payload       JSONB       NOT NULL,
	metadata      JSONB       NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	value         JSONB,
	PRIMARY KEY (thread_id, checkpoint_id, task_id, idx)
);`

// Setup creates the checkpoint schema. Runs at most once per saver; every
// operation calls it lazily so explicit invocation is optional.
func (s *PostgresSaver[S]) Setup(ctx context.Context) error {
	s.setupOnce.Do(func() {
		s.setupErr = s.withRetry(ctx, defaultWriteAttempts, func(conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, postgresSchema)
			return err
		})
	})
	return s.setupErr
}

// errConnect marks a failed dial, which is always worth retrying.
var errConnect = errors.New("connect postgres")

// withConn opens or recycles the shared connection and runs op under the
// connection mutex. The mutex covers the whole call, not just the handoff:
// op must never see the connection while another goroutine is using it. A
// connection-shaped failure drops the connection so the next attempt dials
// fresh.
func (s *PostgresSaver[S]) withConn(ctx context.Context, op func(conn *pgx.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && time.Since(s.connectedAt) > s.maxConnAge {
		s.logger.Debug("recycling postgres connection",
			slog.Duration("age", time.Since(s.connectedAt)))
		s.closeConn(ctx, s.conn)
		s.conn = nil
	}
	if s.conn == nil {
		conn, err := s.connect(ctx, s.dsn)
		if err != nil {
			return fmt.Errorf("%w: %v", errConnect, err)
		}
		s.conn = conn
		s.connectedAt = time.Now()
	}

	err := op(s.conn)
	if err != nil && isConnectionError(err) {
		s.closeConn(ctx, s.conn)
		s.conn = nil
	}
	return err
}

// withRetry runs op, reconnecting and retrying when the failure looks like
// a dead connection or a failed dial. Other errors return immediately.
func (s *PostgresSaver[S]) withRetry(ctx context.Context, attempts int, op func(conn *pgx.Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.withConn(ctx, op)
		if err == nil {
			return nil
		}
		if !isConnectionError(err) && !errors.Is(err, errConnect) {
			return err
		}
		s.logger.Warn("postgres connection error, reconnecting",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		lastErr = err
	}
	return lastErr
}

// Put persists one checkpoint for the thread.
func (s *PostgresSaver[S]) Put(ctx context.Context, cfg graph.Config, cp graph.Checkpoint[S]) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	payload, err := s.serde.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	metadata, err := s.encodeMetadata(cp.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	lock := s.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	return s.withRetry(ctx, defaultWriteAttempts, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO checkpoints
				(thread_id, checkpoint_id, parent_id, user_id, step, payload, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
				payload = EXCLUDED.payload,
				metadata = EXCLUDED.metadata`,
			cp.ThreadID, cp.ID, cp.ParentID, cp.UserID, cp.Step, payload, metadata, cp.CreatedAt)
		return err
	})
}

// encodeMetadata serializes checkpoint metadata through TrimMetadata so the
// stored column never carries runtime bookkeeping.
func (s *PostgresSaver[S]) encodeMetadata(md graph.CheckpointMetadata) ([]byte, error) {
	raw, err := s.serde.Marshal(md)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := s.serde.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	return s.serde.Marshal(TrimMetadata(asMap))
}

// PutWrites records node deltas committed against checkpointID.
func (s *PostgresSaver[S]) PutWrites(ctx context.Context, cfg graph.Config, checkpointID string, writes []graph.PendingWrite) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}

	lock := s.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	return s.withRetry(ctx, defaultWriteAttempts, func(conn *pgx.Conn) error {
		for i, w := range writes {
			value, err := s.serde.Marshal(w.Value)
			if err != nil {
				return fmt.Errorf("encode pending write: %w", err)
			}
			_, err = conn.Exec(ctx, `
				INSERT INTO checkpoint_writes
					(thread_id, checkpoint_id, task_id, idx, channel, value)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (thread_id, checkpoint_id, task_id, idx) DO UPDATE SET
					channel = EXCLUDED.channel,
					value = EXCLUDED.value`,
				cfg.ThreadID, checkpointID, w.TaskID, i, w.Channel, value)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTuple returns the latest checkpoint for the thread. When cfg.UserID is
// set, rows owned by other users are invisible, so a thread ID guessed by
// the wrong user reads as not found.
func (s *PostgresSaver[S]) GetTuple(ctx context.Context, cfg graph.Config) (*graph.Checkpoint[S], error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	err := s.withRetry(ctx, defaultReadAttempts, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT payload FROM checkpoints
			WHERE thread_id = $1 AND ($2 = '' OR user_id = $2)
			ORDER BY created_at DESC, step DESC
			LIMIT 1`,
			cfg.ThreadID, cfg.UserID)
		return row.Scan(&payload)
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, graph.ErrNotFound
		}
		return nil, err
	}

	var cp graph.Checkpoint[S]
	if err := s.serde.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns up to limit checkpoints for the thread, newest first.
func (s *PostgresSaver[S]) List(ctx context.Context, cfg graph.Config, limit int) ([]graph.Checkpoint[S], error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	var payloads [][]byte
	err := s.withRetry(ctx, defaultReadAttempts, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT payload FROM checkpoints
			WHERE thread_id = $1 AND ($2 = '' OR user_id = $2)
			ORDER BY created_at DESC, step DESC
			LIMIT $3`,
			cfg.ThreadID, cfg.UserID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		payloads = payloads[:0]
		for rows.Next() {
			var p []byte
			if err := rows.Scan(&p); err != nil {
				return err
			}
			payloads = append(payloads, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]graph.Checkpoint[S], 0, len(payloads))
	for _, p := range payloads {
		var cp graph.Checkpoint[S]
		if err := s.serde.Unmarshal(p, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *PostgresSaver[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.closeConn(context.Background(), s.conn)
		s.conn = nil
	}
	return nil
}
