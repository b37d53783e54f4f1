package model

import "time"

// Tenant represents the tenants table of the global directory. Every server
// instance is one tenant with its own database partition; the shared secret
// authenticates calls between a specific pair of tenants.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	MaxSessions     int       `json:"max_sessions"`
	CurrentSessions int       `json:"current_sessions"` // cached count, recomputed after create/delete
	SharedSecret    string    `json:"-"`
	BaseURL         string    `json:"base_url"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Ownership represents the tenant_ownerships table: the global phone→tenant
// map. At most one row per phone key, enforced by the primary key, never by
// a lock.
type Ownership struct {
	PhoneKey  string    `json:"phone_key"`
	TenantID  string    `json:"tenant_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}
