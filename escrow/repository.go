package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/vault"
)

// PGStore is the durable Store implementation. Per-invoice serialization comes
// from SELECT ... FOR UPDATE: Mutate holds the row lock for the duration of
// the callback, and the record plus its events commit in one transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const recordColumns = `
	invoice_id, seller, buyer, amount::text, fee_basis_points, token, deadline,
	collateral_asset, collateral_token_id, collateral_owner,
	state, seller_confirmed, buyer_confirmed,
	dispute_raised, dispute_resolver, dispute_favor_seller,
	created_at, updated_at
`

func (s *PGStore) Create(ctx context.Context, rec Record, events ...Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var asset, owner *string
	var tokenID *int64
	if rec.Collateral != nil {
		asset = &rec.Collateral.Asset
		owner = &rec.Collateral.Owner
		id := int64(rec.Collateral.TokenID)
		tokenID = &id
	}

	const insert = `
		INSERT INTO escrows (
			invoice_id, seller, buyer, amount, fee_basis_points, token, deadline,
			collateral_asset, collateral_token_id, collateral_owner,
			state, seller_confirmed, buyer_confirmed,
			dispute_raised, dispute_resolver, dispute_favor_seller,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	_, err = tx.Exec(ctx, insert,
		rec.InvoiceID, rec.Seller, rec.Buyer, rec.Amount.String(), rec.FeeBasisPoints,
		rec.Token, rec.Deadline, asset, tokenID, owner,
		string(rec.State), rec.SellerConfirmed, rec.BuyerConfirmed,
		rec.DisputeRaised, rec.DisputeResolver, rec.DisputeFavorSeller,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, rec.InvoiceID)
		}
		return fmt.Errorf("escrow: insert: %w", err)
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, invoiceID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM escrows WHERE invoice_id = $1`
	return scanRecord(s.pool.QueryRow(ctx, query, invoiceID), invoiceID)
}

func (s *PGStore) Mutate(ctx context.Context, invoiceID string, fn func(*Record) ([]Event, error)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + recordColumns + ` FROM escrows WHERE invoice_id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, invoiceID), invoiceID)
	if err != nil {
		return Record{}, err
	}

	events, err := fn(&rec)
	if err != nil {
		return Record{}, err
	}

	var asset, owner *string
	var tokenID *int64
	if rec.Collateral != nil {
		asset = &rec.Collateral.Asset
		owner = &rec.Collateral.Owner
		id := int64(rec.Collateral.TokenID)
		tokenID = &id
	}

	const update = `
		UPDATE escrows SET
			seller=$2, buyer=$3, amount=$4, fee_basis_points=$5, token=$6, deadline=$7,
			collateral_asset=$8, collateral_token_id=$9, collateral_owner=$10,
			state=$11, seller_confirmed=$12, buyer_confirmed=$13,
			dispute_raised=$14, dispute_resolver=$15, dispute_favor_seller=$16,
			updated_at=$17
		WHERE invoice_id=$1
	`
	if _, err := tx.Exec(ctx, update,
		rec.InvoiceID, rec.Seller, rec.Buyer, rec.Amount.String(), rec.FeeBasisPoints,
		rec.Token, rec.Deadline, asset, tokenID, owner,
		string(rec.State), rec.SellerConfirmed, rec.BuyerConfirmed,
		rec.DisputeRaised, rec.DisputeResolver, rec.DisputeFavorSeller,
		rec.UpdatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("escrow: update: %w", err)
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Events(ctx context.Context, invoiceID string) ([]Event, error) {
	const query = `
		SELECT id, invoice_id, type, actor, payload, created_at
		FROM escrow_events
		WHERE invoice_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.InvoiceID, &ev.Type, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("escrow: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListByParty(ctx context.Context, party string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM escrows WHERE buyer = $1 OR seller = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, party)
	if err != nil {
		return nil, fmt.Errorf("escrow: list by party: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows, party)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate records: %w", err)
	}
	return out, nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, ev := range events {
		var payload []byte
		if ev.Payload != nil {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("escrow: encode event payload: %w", err)
			}
			payload = b
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO escrow_events (id, invoice_id, type, actor, payload, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			ev.ID, ev.InvoiceID, ev.Type, ev.Actor, payload, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("escrow: insert event: %w", err)
		}
	}
	return nil
}

func scanRecord(row pgx.Row, invoiceID string) (Record, error) {
	var (
		rec       Record
		amount    string
		state     string
		asset     *string
		owner     *string
		tokenID   *int64
		deadline  time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&rec.InvoiceID, &rec.Seller, &rec.Buyer, &amount, &rec.FeeBasisPoints,
		&rec.Token, &deadline, &asset, &tokenID, &owner,
		&state, &rec.SellerConfirmed, &rec.BuyerConfirmed,
		&rec.DisputeRaised, &rec.DisputeResolver, &rec.DisputeFavorSeller,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, invoiceID)
		}
		return Record{}, fmt.Errorf("escrow: scan record: %w", err)
	}

	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: parse amount: %w", err)
	}
	rec.State = State(state)
	rec.Deadline = deadline
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	if asset != nil && tokenID != nil {
		item := vault.Item{Asset: *asset, TokenID: uint64(*tokenID)}
		if owner != nil {
			item.Owner = *owner
		}
		rec.Collateral = &item
	}
	return rec, nil
}
