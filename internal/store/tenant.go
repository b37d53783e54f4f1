package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chathive/session-orchestrator/internal/model"
)

const tenantCacheTTL = 1 * time.Hour

// cachedTenant mirrors model.Tenant for the redis cache; the model type hides
// the shared secret from JSON and a cache hit must not lose it.
type cachedTenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	MaxSessions     int       `json:"max_sessions"`
	CurrentSessions int       `json:"current_sessions"`
	SharedSecret    string    `json:"shared_secret"`
	BaseURL         string    `json:"base_url"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func tenantCacheKey(id string) string {
	return fmt.Sprintf("tenant:%s", id)
}

func (s *Store) CreateTenant(ctx context.Context, tenant *model.Tenant) error {
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = tenant.CreatedAt
	query := `INSERT INTO tenants (id, name, max_sessions, current_sessions, shared_secret, base_url, active, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query, tenant.ID, tenant.Name, tenant.MaxSessions,
		tenant.CurrentSessions, tenant.SharedSecret, tenant.BaseURL, tenant.Active,
		tenant.CreatedAt, tenant.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetTenant returns the tenant row, or (nil, nil) when no row exists. Reads
// go through the redis cache; writes invalidate it.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	key := tenantCacheKey(id)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			ct := &cachedTenant{}
			if err := json.Unmarshal([]byte(cached), ct); err == nil {
				return ct.toModel(), nil
			}
		}
	}

	query := `SELECT id, name, max_sessions, current_sessions, shared_secret, base_url, active, created_at, updated_at
              FROM tenants WHERE id = $1`
	tenant := &model.Tenant{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&tenant.ID, &tenant.Name, &tenant.MaxSessions,
		&tenant.CurrentSessions, &tenant.SharedSecret, &tenant.BaseURL, &tenant.Active,
		&tenant.CreatedAt, &tenant.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(fromModel(tenant)); err == nil {
			s.redis.SetEx(ctx, key, data, tenantCacheTTL)
		}
	}
	return tenant, nil
}

func (s *Store) UpdateTenant(ctx context.Context, tenant *model.Tenant) error {
	tenant.UpdatedAt = time.Now()
	query := `UPDATE tenants SET name = $2, max_sessions = $3, shared_secret = $4, base_url = $5,
              active = $6, updated_at = $7 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, tenant.ID, tenant.Name, tenant.MaxSessions,
		tenant.SharedSecret, tenant.BaseURL, tenant.Active, tenant.UpdatedAt)
	if err != nil {
		return err
	}
	s.invalidateTenant(ctx, tenant.ID)
	return nil
}

// RefreshSessionCount recomputes the cached session count from the bot rows
// of the tenant. The counter is never incremented in place: recomputing keeps
// it honest across the compensating-rollback path.
func (s *Store) RefreshSessionCount(ctx context.Context, tenantID string) (int, error) {
	query := `UPDATE tenants SET current_sessions = (SELECT COUNT(*) FROM bots WHERE tenant_id = $1)
              WHERE id = $1 RETURNING current_sessions`
	var count int
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(&count)
	if err != nil {
		return 0, err
	}
	s.invalidateTenant(ctx, tenantID)
	return count, nil
}

func (s *Store) invalidateTenant(ctx context.Context, id string) {
	if s.redis != nil {
		s.redis.Del(ctx, tenantCacheKey(id))
	}
}

func (ct *cachedTenant) toModel() *model.Tenant {
	return &model.Tenant{
		ID:              ct.ID,
		Name:            ct.Name,
		MaxSessions:     ct.MaxSessions,
		CurrentSessions: ct.CurrentSessions,
		SharedSecret:    ct.SharedSecret,
		BaseURL:         ct.BaseURL,
		Active:          ct.Active,
		CreatedAt:       ct.CreatedAt,
		UpdatedAt:       ct.UpdatedAt,
	}
}

func fromModel(t *model.Tenant) *cachedTenant {
	return &cachedTenant{
		ID:              t.ID,
		Name:            t.Name,
		MaxSessions:     t.MaxSessions,
		CurrentSessions: t.CurrentSessions,
		SharedSecret:    t.SharedSecret,
		BaseURL:         t.BaseURL,
		Active:          t.Active,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}
