package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chathive/session-orchestrator/internal/model"
)

// ClaimPhone inserts the global ownership row for a phone key. The primary
// key on phone_key is the system's only cross-server atomic guarantee: of two
// concurrent claims exactly one insert succeeds, the other gets ErrConflict.
func (s *Store) ClaimPhone(ctx context.Context, phoneKey, tenantID string) error {
	query := `INSERT INTO tenant_ownerships (phone_key, tenant_id, claimed_at) VALUES ($1, $2, $3)`
	_, err := s.pool.Exec(ctx, query, phoneKey, tenantID, time.Now())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ReleasePhone removes an ownership claim. Deleting an absent row is not an
// error, which keeps the placement compensation step idempotent.
func (s *Store) ReleasePhone(ctx context.Context, phoneKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_ownerships WHERE phone_key = $1`, phoneKey)
	return err
}

// GetOwnership returns the owner of a phone key, or (nil, nil) when unclaimed.
func (s *Store) GetOwnership(ctx context.Context, phoneKey string) (*model.Ownership, error) {
	query := `SELECT phone_key, tenant_id, claimed_at FROM tenant_ownerships WHERE phone_key = $1`
	own := &model.Ownership{}
	err := s.pool.QueryRow(ctx, query, phoneKey).Scan(&own.PhoneKey, &own.TenantID, &own.ClaimedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return own, nil
}
