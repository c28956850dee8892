package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps records in settlx_idempotency so several API replicas
// share one view of in-flight and finished writes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS settlx_idempotency (
    key TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code INT NOT NULL DEFAULT 0,
    response BYTEA NOT NULL DEFAULT ''::bytea,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// A claim takes the row when it is absent or lapsed. The conditional
// upsert leaves a live row untouched, and RowsAffected tells the two apart.
const reserveSQL = `
INSERT INTO settlx_idempotency (key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, 0, ''::bytea, $3, $4)
ON CONFLICT (key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code = 0,
    response = ''::bytea,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE settlx_idempotency.expires_at < EXCLUDED.created_at
`

const selectSQL = `
SELECT request_hash, status_code, response, created_at, expires_at
FROM settlx_idempotency
WHERE key = $1
`

const completeSQL = `
UPDATE settlx_idempotency
SET request_hash = $2, status_code = $3, response = $4, created_at = $5, expires_at = $6
WHERE key = $1
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create idempotency table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping lets the health endpoint report database reachability.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Reserve(ctx context.Context, key string, claim Record) (*Record, bool, error) {
	tag, err := p.pool.Exec(ctx, reserveSQL, key, claim.RequestHash, claim.CreatedAt, claim.ExpiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	var held Record
	err = p.pool.QueryRow(ctx, selectSQL, key).
		Scan(&held.RequestHash, &held.StatusCode, &held.Response, &held.CreatedAt, &held.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements; let the caller retry.
		return nil, false, errors.New("idempotency key changed during reservation")
	}
	if err != nil {
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}
	return &held, false, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, record Record) error {
	response := record.Response
	if response == nil {
		response = []byte{}
	}
	tag, err := p.pool.Exec(ctx, completeSQL,
		key, record.RequestHash, record.StatusCode, response, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete idempotency key %q: no reservation", key)
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM settlx_idempotency WHERE key = $1 AND status_code = 0`, key)
	return err
}
