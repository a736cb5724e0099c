// Package postgres provides Postgres-backed persistence for reminder records.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables used by KV. It is idempotent.
const Schema = `CREATE TABLE IF NOT EXISTS reminder_kv (
    profile_id TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (profile_id, key)
)`

// KV stores reminder records for one profile in Postgres.
type KV struct {
	pool      *pgxpool.Pool
	profileID string
}

// NewKV constructs a KV scoped to profileID.
func NewKV(pool *pgxpool.Pool, profileID string) *KV {
	return &KV{pool: pool, profileID: profileID}
}

// Migrate applies Schema.
func (k *KV) Migrate(ctx context.Context) error {
	_, err := k.pool.Exec(ctx, Schema)
	return err
}

// Get implements persistence.KV.
func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const query = `SELECT value FROM reminder_kv WHERE profile_id=$1 AND key=$2`

	var value []byte
	if err := k.pool.QueryRow(ctx, query, k.profileID, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements persistence.KV. The upsert commits before returning.
func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	const stmt = `INSERT INTO reminder_kv (profile_id, key, value, updated_at)
        VALUES ($1,$2,$3,NOW())
        ON CONFLICT (profile_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	if _, err := k.pool.Exec(ctx, stmt, k.profileID, key, value); err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

// Remove implements persistence.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	if _, err := k.pool.Exec(ctx, `DELETE FROM reminder_kv WHERE profile_id=$1 AND key=$2`, k.profileID, key); err != nil {
		return fmt.Errorf("postgres: remove %s: %w", key, err)
	}
	return nil
}
