package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordActivity appends an audit entry. A nil bot id records a tenant-level
// entry.
func (s *Store) RecordActivity(ctx context.Context, tenantID string, botID uuid.UUID, kind, detail string) error {
	query := `INSERT INTO activity_log (tenant_id, bot_id, kind, detail, created_at)
              VALUES ($1, $2, $3, $4, $5)`
	var bot interface{}
	if botID != uuid.Nil {
		bot = botID
	}
	_, err := s.pool.Exec(ctx, query, tenantID, bot, kind, detail, time.Now())
	return err
}

// LookupIdempotency returns the response recorded for an earlier federation
// request with this key, or (nil, nil) when the key is unseen. Keys are
// scoped per source tenant.
func (s *Store) LookupIdempotency(ctx context.Context, tenantID, source, key string) ([]byte, error) {
	query := `SELECT response FROM idempotency_keys
              WHERE tenant_id = $1 AND source_tenant = $2 AND key = $3`
	var response []byte
	err := s.pool.QueryRow(ctx, query, tenantID, source, key).Scan(&response)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

// RecordIdempotency stores the response of an applied federation request so a
// retry with the same key replays it instead of re-executing. Only successful
// outcomes are recorded; a failed attempt leaves the key free for the retry.
func (s *Store) RecordIdempotency(ctx context.Context, tenantID, source, key string, response []byte) error {
	query := `INSERT INTO idempotency_keys (tenant_id, source_tenant, key, response, created_at)
              VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	_, err := s.pool.Exec(ctx, query, tenantID, source, key, response, time.Now())
	return err
}
