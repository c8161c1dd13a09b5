package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no identity matches.
	ErrNotFound = errors.New("identity not found")
	// ErrEmailTaken is returned when an insert collides on the unique email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrChanged is returned by Restore when another writer touched the row.
	ErrChanged = errors.New("identity changed since it was written")
)

const uniqueViolation = "23505"

// Repository persists identities.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (Identity, error)
	FindByID(ctx context.Context, id int64) (Identity, error)
	// Insert stores a new row and returns its id.
	Insert(ctx context.Context, identity Identity) (int64, error)
	// Update overwrites every mutable column of the row with identity.ID.
	Update(ctx context.Context, identity Identity) error
	// Restore writes snapshot back over the row only while the row still
	// holds writtenHash and no selfie. Otherwise it returns ErrChanged.
	Restore(ctx context.Context, snapshot Identity, writtenHash []byte) error
	Delete(ctx context.Context, id int64) error
	SetSelfie(ctx context.Context, id int64, url string) error
	SetCredential(ctx context.Context, id int64, hash, salt []byte) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `SELECT id, email, pin_hash, pin_salt, display_name, address,
    address_lat, address_lon, selfie_lat, selfie_lon, selfie_url, verified, verified_at,
    role, banned, account_type, business_name, business_category, business_phone,
    business_website, created_at, updated_at FROM identities`

// FindByEmail fetches an identity by normalised email.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Identity, error) {
	return scanIdentity(r.db.QueryRow(ctx, selectColumns+` WHERE email = $1`, email))
}

// FindByID fetches an identity by id.
func (r *PostgresRepository) FindByID(ctx context.Context, id int64) (Identity, error) {
	return scanIdentity(r.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
}

// Insert creates a new identity row.
func (r *PostgresRepository) Insert(ctx context.Context, i Identity) (int64, error) {
	var id int64
	aLat, aLon := coordArgs(i.AddressCoords)
	sLat, sLon := coordArgs(i.SelfieCoords)
	err := r.db.QueryRow(ctx, `INSERT INTO identities (email, pin_hash, pin_salt, display_name, address,
        address_lat, address_lon, selfie_lat, selfie_lon, selfie_url, verified, verified_at, role, banned,
        account_type, business_name, business_category, business_phone, business_website, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
        RETURNING id`,
		i.Email, i.PINHash, i.PINSalt, i.DisplayName, i.Address, aLat, aLon, sLat, sLon, i.SelfieURL,
		i.Verified, i.VerifiedAt, i.Role, i.Banned, i.AccountType, i.BusinessName, i.BusinessCategory,
		i.BusinessPhone, i.BusinessWebsite, nowOr(i.CreatedAt)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrEmailTaken
	}
	return id, err
}

// Update overwrites the row with i.ID.
func (r *PostgresRepository) Update(ctx context.Context, i Identity) error {
	aLat, aLon := coordArgs(i.AddressCoords)
	sLat, sLon := coordArgs(i.SelfieCoords)
	cmd, err := r.db.Exec(ctx, `UPDATE identities SET email = $2, pin_hash = $3, pin_salt = $4,
        display_name = $5, address = $6, address_lat = $7, address_lon = $8, selfie_lat = $9,
        selfie_lon = $10, selfie_url = $11, verified = $12, verified_at = $13, role = $14, banned = $15,
        account_type = $16, business_name = $17, business_category = $18, business_phone = $19,
        business_website = $20, updated_at = $21
        WHERE id = $1`,
		i.ID, i.Email, i.PINHash, i.PINSalt, i.DisplayName, i.Address, aLat, aLon, sLat, sLon, i.SelfieURL,
		i.Verified, i.VerifiedAt, i.Role, i.Banned, i.AccountType, i.BusinessName, i.BusinessCategory,
		i.BusinessPhone, i.BusinessWebsite, nowOr(i.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return rowsAffected(cmd, err)
}

// Restore puts snapshot back unless a concurrent writer replaced the
// credential or finished the selfie step.
func (r *PostgresRepository) Restore(ctx context.Context, s Identity, writtenHash []byte) error {
	aLat, aLon := coordArgs(s.AddressCoords)
	sLat, sLon := coordArgs(s.SelfieCoords)
	cmd, err := r.db.Exec(ctx, `UPDATE identities SET email = $2, pin_hash = $3, pin_salt = $4,
        display_name = $5, address = $6, address_lat = $7, address_lon = $8, selfie_lat = $9,
        selfie_lon = $10, selfie_url = $11, verified = $12, verified_at = $13, role = $14, banned = $15,
        account_type = $16, business_name = $17, business_category = $18, business_phone = $19,
        business_website = $20, updated_at = $21
        WHERE id = $1 AND pin_hash = $22 AND selfie_url = ''`,
		s.ID, s.Email, s.PINHash, s.PINSalt, s.DisplayName, s.Address, aLat, aLon, sLat, sLon, s.SelfieURL,
		s.Verified, s.VerifiedAt, s.Role, s.Banned, s.AccountType, s.BusinessName, s.BusinessCategory,
		s.BusinessPhone, s.BusinessWebsite, nowOr(s.UpdatedAt), writtenHash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrChanged
	}
	return nil
}

// Delete removes a row.
func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return rowsAffected(r.db.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id))
}

// SetSelfie records the durable selfie URL.
func (r *PostgresRepository) SetSelfie(ctx context.Context, id int64, url string) error {
	return rowsAffected(r.db.Exec(ctx, `UPDATE identities SET selfie_url = $2, updated_at = NOW() WHERE id = $1`, id, url))
}

// SetCredential replaces the PIN hash and salt.
func (r *PostgresRepository) SetCredential(ctx context.Context, id int64, hash, salt []byte) error {
	return rowsAffected(r.db.Exec(ctx, `UPDATE identities SET pin_hash = $2, pin_salt = $3, updated_at = NOW() WHERE id = $1`, id, hash, salt))
}

func scanIdentity(row pgx.Row) (Identity, error) {
	var (
		i                      Identity
		aLat, aLon, sLat, sLon *float64
		verifiedAt             *time.Time
		createdAt, updatedAt   time.Time
	)
	err := row.Scan(&i.ID, &i.Email, &i.PINHash, &i.PINSalt, &i.DisplayName, &i.Address,
		&aLat, &aLon, &sLat, &sLon, &i.SelfieURL, &i.Verified, &verifiedAt, &i.Role, &i.Banned,
		&i.AccountType, &i.BusinessName, &i.BusinessCategory, &i.BusinessPhone, &i.BusinessWebsite,
		&createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	if aLat != nil && aLon != nil {
		i.AddressCoords = &Coordinates{Lat: *aLat, Lon: *aLon}
	}
	if sLat != nil && sLon != nil {
		i.SelfieCoords = &Coordinates{Lat: *sLat, Lon: *sLon}
	}
	if verifiedAt != nil {
		t := verifiedAt.UTC()
		i.VerifiedAt = &t
	}
	i.CreatedAt = createdAt.UTC()
	i.UpdatedAt = updatedAt.UTC()
	return i, nil
}

func coordArgs(c *Coordinates) (*float64, *float64) {
	if c == nil {
		return nil, nil
	}
	lat, lon := c.Lat, c.Lon
	return &lat, &lon
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func rowsAffected(cmd pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
