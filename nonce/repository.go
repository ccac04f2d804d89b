package nonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists counters in the nonce_records table. The conditional UPDATE
// makes Advance atomic: of two racing submissions with the same nonce the
// second matches zero rows and fails with ErrNonceMismatch.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Expected(ctx context.Context, principal string) (uint64, error) {
	const query = `SELECT next_nonce FROM nonce_records WHERE principal = $1`

	var next int64
	err := s.pool.QueryRow(ctx, query, principal).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("nonce: fetch: %w", err)
	}
	return uint64(next), nil
}

func (s *PGStore) Advance(ctx context.Context, principal string, nonce uint64) error {
	// An unseen principal expects nonce zero, so only that case may insert.
	// For every other nonce the conditional UPDATE must match the stored
	// counter exactly.
	const first = `
		INSERT INTO nonce_records (principal, next_nonce)
		VALUES ($1, 1)
		ON CONFLICT (principal) DO UPDATE
		SET next_nonce = nonce_records.next_nonce + 1
		WHERE nonce_records.next_nonce = 0
	`
	const advance = `
		UPDATE nonce_records
		SET next_nonce = next_nonce + 1
		WHERE principal = $1 AND next_nonce = $2
	`

	var (
		tag pgconn.CommandTag
		err error
	)
	if nonce == 0 {
		tag, err = s.pool.Exec(ctx, first, principal)
	} else {
		tag, err = s.pool.Exec(ctx, advance, principal, int64(nonce))
	}
	if err != nil {
		return fmt.Errorf("nonce: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: principal %s nonce %d", ErrNonceMismatch, principal, nonce)
	}
	return nil
}
