package otp

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoMatch is returned by Consume when no usable record matches.
var ErrNoMatch = errors.New("otp: no matching code")

// Repository persists issued codes.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	// Consume flags the most recent unused, unexpired record for
	// (email, codeHash) as used and returns its id.
	Consume(ctx context.Context, email, codeHash string, now time.Time) (int64, error)
	// Purge removes expired or used records.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed code repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a freshly issued code.
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, `INSERT INTO otp_codes (email, code_hash, expires_at, used, created_at)
        VALUES ($1, $2, $3, FALSE, $4)`, rec.Email, rec.CodeHash, rec.ExpiresAt.UTC(), rec.CreatedAt.UTC())
	return err
}

// Consume marks a record used. Concurrent verifications of the same code
// cannot both succeed: the row lock skips rows another transaction holds.
func (r *PostgresRepository) Consume(ctx context.Context, email, codeHash string, now time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `UPDATE otp_codes SET used = TRUE
        WHERE id = (
            SELECT id FROM otp_codes
            WHERE email = $1 AND code_hash = $2 AND used = FALSE AND expires_at > $3
            ORDER BY created_at DESC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        ) AND used = FALSE
        RETURNING id`, email, codeHash, now.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoMatch
	}
	return id, err
}

// Purge deletes expired or used records.
func (r *PostgresRepository) Purge(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM otp_codes WHERE used = TRUE OR expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
