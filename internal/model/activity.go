package model

import (
	"time"

	"github.com/google/uuid"
)

// Activity represents the activity_log table: an audit trail of session
// transitions, placements and cross-tenant calls.
type Activity struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BotID     uuid.UUID `json:"bot_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
