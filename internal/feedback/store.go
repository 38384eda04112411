// Package feedback persists per-turn caller ratings so that the quality and
// analytics pipelines downstream can consume them. Ratings arrive over the
// ops mux via [Handler] and land in PostgreSQL.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Rating is a single piece of caller feedback about one turn.
type Rating struct {
	// SessionID identifies the session the rated turn belongs to.
	SessionID string `json:"session_id"`

	// TurnID identifies the rated turn.
	TurnID string `json:"turn_id"`

	// Score is the caller's rating, 1 (poor) to 5 (excellent).
	Score int `json:"score"`

	// Comment is optional free-text feedback.
	Comment string `json:"comment,omitempty"`

	// CreatedAt is set by the store on save.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Store persists turn ratings. Implemented by [PostgresStore] in production
// and by in-memory fakes in tests.
type Store interface {
	// SaveRating stores r. The store stamps CreatedAt.
	SaveRating(ctx context.Context, r Rating) error
}

const ddlTurnFeedback = `
CREATE TABLE IF NOT EXISTS turn_feedback (
    id         BIGSERIAL   PRIMARY KEY,
    session_id TEXT        NOT NULL,
    turn_id    TEXT        NOT NULL,
    score      SMALLINT    NOT NULL CHECK (score BETWEEN 1 AND 5),
    comment    TEXT        NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS turn_feedback_session_idx ON turn_feedback (session_id);
`

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the pgx-backed [Store]. Safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and ensures the
// turn_feedback table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("feedback: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("feedback: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurnFeedback); err != nil {
		pool.Close()
		return nil, fmt.Errorf("feedback: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveRating inserts r into turn_feedback.
func (s *PostgresStore) SaveRating(ctx context.Context, r Rating) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_feedback (session_id, turn_id, score, comment) VALUES ($1, $2, $3, $4)`,
		r.SessionID, r.TurnID, r.Score, r.Comment,
	)
	if err != nil {
		return fmt.Errorf("feedback: insert rating: %w", err)
	}
	return nil
}

// RecentForSession returns up to limit ratings for sessionID, newest first.
func (s *PostgresStore) RecentForSession(ctx context.Context, sessionID string, limit int) ([]Rating, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, turn_id, score, comment, created_at
         FROM turn_feedback WHERE session_id = $1
         ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("feedback: query ratings: %w", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var r Rating
		if err := rows.Scan(&r.SessionID, &r.TurnID, &r.Score, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("feedback: scan rating: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feedback: iterate ratings: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection is alive. Used by health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
