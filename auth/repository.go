package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPartyNotFound signals that the party does not exist.
	ErrPartyNotFound = errors.New("auth: party not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateParty(ctx context.Context, params CreatePartyParams) (Party, error)
	GetPartyByEmail(ctx context.Context, email string) (Party, error)
	GetPartyByID(ctx context.Context, partyID string) (Party, error)
}

// CreatePartyParams contains write parameters for creating parties.
type CreatePartyParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateParty inserts a new party with hashed password.
func (r *PGRepository) CreateParty(ctx context.Context, params CreatePartyParams) (Party, error) {
	const insertSQL = `
		INSERT INTO parties (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, full_name, password_hash, role, created_at, updated_at
	`

	party, err := scanParty(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Party{}, ErrDuplicateEmail
		}
		return Party{}, fmt.Errorf("auth: create party: %w", err)
	}

	return party, nil
}

// GetPartyByEmail retrieves a party by email address.
func (r *PGRepository) GetPartyByEmail(ctx context.Context, email string) (Party, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM parties
		WHERE email = $1
	`

	party, err := scanParty(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrPartyNotFound
		}
		return Party{}, fmt.Errorf("auth: get party by email: %w", err)
	}

	return party, nil
}

// GetPartyByID retrieves a party by ID.
func (r *PGRepository) GetPartyByID(ctx context.Context, partyID string) (Party, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, role, created_at, updated_at
		FROM parties
		WHERE id = $1
	`

	party, err := scanParty(r.pool.QueryRow(ctx, selectSQL, partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrPartyNotFound
		}
		return Party{}, fmt.Errorf("auth: get party by id: %w", err)
	}

	return party, nil
}

func scanParty(row pgx.Row) (Party, error) {
	var party Party
	err := row.Scan(
		&party.ID,
		&party.Email,
		&party.FullName,
		&party.PasswordHash,
		&party.Role,
		&party.CreatedAt,
		&party.UpdatedAt,
	)
	if err != nil {
		return Party{}, err
	}
	return party, nil
}
