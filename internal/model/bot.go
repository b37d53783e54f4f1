package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus tracks whether an operator has approved a bot for hosting.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
)

// CredentialStatus tracks the last known validity of the credential blob.
type CredentialStatus string

const (
	CredentialUnverified CredentialStatus = "unverified"
	CredentialVerified   CredentialStatus = "verified"
	CredentialInvalid    CredentialStatus = "invalid"
)

// LifecycleStatus mirrors the in-memory session state, persisted for
// observability and for reconciliation after a process restart.
type LifecycleStatus string

const (
	LifecycleOffline      LifecycleStatus = "offline"
	LifecycleConnecting   LifecycleStatus = "connecting"
	LifecycleOnline       LifecycleStatus = "online"
	LifecycleReconnecting LifecycleStatus = "reconnecting"
	LifecycleInvalid      LifecycleStatus = "invalid"
)

// Bot represents the bots table: one messaging session's configuration,
// ownership and last-known lifecycle state within a tenant's partition.
type Bot struct {
	ID               uuid.UUID        `json:"id"`
	TenantID         string           `json:"tenant_id"`
	PhoneKey         string           `json:"phone_key"`
	Name             string           `json:"name"`
	ApprovalStatus   ApprovalStatus   `json:"approval_status"`
	CredentialStatus CredentialStatus `json:"credential_status"`
	LifecycleStatus  LifecycleStatus  `json:"lifecycle_status"`
	InvalidReason    string           `json:"invalid_reason,omitempty"`
	AutoStart        bool             `json:"auto_start"`
	Credentials      []byte           `json:"-"` // opaque blob, encrypted at rest
	MessageCount     int64            `json:"message_count"`
	CommandCount     int64            `json:"command_count"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
