package ratelimit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps counters in the rate_limits table. The upsert resets
// an elapsed window and increments in a single statement.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore builds a Postgres-backed counter store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const hitQuery = `
INSERT INTO rate_limits (key, window_start, count)
VALUES ($1, $2, 1)
ON CONFLICT (key) DO UPDATE SET
    count = CASE WHEN rate_limits.window_start <= $2 - make_interval(secs => $3)
                 THEN 1 ELSE rate_limits.count + 1 END,
    window_start = CASE WHEN rate_limits.window_start <= $2 - make_interval(secs => $3)
                 THEN $2 ELSE rate_limits.window_start END
RETURNING count`

// Hit implements Store.
func (s *PostgresStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, hitQuery, key, s.now().UTC(), window.Seconds()).Scan(&count)
	return count, err
}
