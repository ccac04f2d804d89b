package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads compliance flags from Postgres. Unknown principals are
// reported as unverified and not frozen, matching the upstream pipeline which
// only inserts rows once a KYC review has started.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed Gate implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) IsVerified(ctx context.Context, party string) (bool, error) {
	flag, err := r.get(ctx, party)
	if err != nil {
		return false, err
	}
	return flag.Verified, nil
}

func (r *Repository) IsFrozen(ctx context.Context, party string) (bool, error) {
	flag, err := r.get(ctx, party)
	if err != nil {
		return false, err
	}
	return flag.Frozen, nil
}

func (r *Repository) get(ctx context.Context, party string) (Flag, error) {
	const query = `
		SELECT party, verified, frozen
		FROM compliance_flags
		WHERE party = $1
	`

	var flag Flag
	err := r.pool.QueryRow(ctx, query, party).Scan(&flag.Party, &flag.Verified, &flag.Frozen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{Party: party}, nil
		}
		return Flag{}, fmt.Errorf("compliance: fetch flags: %w", err)
	}
	return flag, nil
}

// Upsert records the current flags for a principal.
func (r *Repository) Upsert(ctx context.Context, flag Flag) error {
	const query = `
		INSERT INTO compliance_flags (party, verified, frozen, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (party) DO UPDATE
		SET verified = EXCLUDED.verified, frozen = EXCLUDED.frozen, updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, flag.Party, flag.Verified, flag.Frozen); err != nil {
		return fmt.Errorf("compliance: upsert flags: %w", err)
	}
	return nil
}
