package recorder

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists settled records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settled_events (escrow_id, network, payer, settled_at, amount_settled_tokens, amount_settled_usd)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Identifier, rec.Network, rec.Payer, rec.SettledAt, rec.AmountSettledTokens, rec.AmountSettledUsd)

	// Unique-violation on escrow_id means another writer won the race;
	// treat it as the duplicate it is.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil
	}
	return err
}

func (p *PostgresStore) Exists(ctx context.Context, identifier string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM settled_events WHERE escrow_id = $1)
	`, identifier).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Get(ctx context.Context, identifier string) (*Record, error) {
	rec := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, network, payer, settled_at, amount_settled_tokens, amount_settled_usd
		FROM settled_events WHERE escrow_id = $1
	`, identifier).Scan(
		&rec.Identifier, &rec.Network, &rec.Payer, &rec.SettledAt,
		&rec.AmountSettledTokens, &rec.AmountSettledUsd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, network, payer, settled_at, amount_settled_tokens, amount_settled_usd
		FROM settled_events ORDER BY settled_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(
			&rec.Identifier, &rec.Network, &rec.Payer, &rec.SettledAt,
			&rec.AmountSettledTokens, &rec.AmountSettledUsd,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
