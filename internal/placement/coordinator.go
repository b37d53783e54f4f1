package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/federation"
	"github.com/chathive/session-orchestrator/internal/model"
	"github.com/chathive/session-orchestrator/internal/monitoring"
)

var (
	// ErrCapacity rejects a registration against a full tenant. The message
	// carries current/max so the caller can pick another tenant.
	ErrCapacity = errors.New("tenant capacity exhausted")
	// ErrRollbackFailed marks the inconsistent state left behind when bot
	// creation failed and the compensating ownership release failed too. It
	// needs manual remediation and must never look like an ordinary error.
	ErrRollbackFailed = errors.New("placement rollback failed")
)

// Directory is the slice of the record store placement needs: the global
// ownership map, the tenant directory and the local bot partition.
type Directory interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ClaimPhone(ctx context.Context, phoneKey, tenantID string) error
	ReleasePhone(ctx context.Context, phoneKey string) error
	CreateBot(ctx context.Context, bot *model.Bot) error
	RefreshSessionCount(ctx context.Context, tenantID string) (int, error)
	RecordActivity(ctx context.Context, tenantID string, botID uuid.UUID, kind, detail string) error
}

// Starter starts a local session after a successful local placement.
type Starter interface {
	Start(ctx context.Context, id uuid.UUID) error
}

// Remote creates the bot on another server instance.
type Remote interface {
	CreateBot(ctx context.Context, target *model.Tenant, req federation.CreateBotRequest, idempotencyKey string) (*federation.Response, error)
}

// RegisterRequest asks for a new bot on the named tenant.
type RegisterRequest struct {
	TenantID    string `json:"tenant_id"`
	PhoneKey    string `json:"phone_key"`
	Name        string `json:"name"`
	Credentials []byte `json:"credentials,omitempty"`
	AutoStart   bool   `json:"auto_start"`
}

// Placement describes where the bot ended up.
type Placement struct {
	BotID    uuid.UUID `json:"bot_id"`
	TenantID string    `json:"tenant_id"`
	PhoneKey string    `json:"phone_key"`
	Remote   bool      `json:"remote"`
}

// Coordinator executes the two-phase registration: claim the global phone
// ownership, then create the bot record locally or on the remote tenant,
// compensating the claim when creation fails. There is no cross-store
// transaction; this is a best-effort saga.
type Coordinator struct {
	dir     Directory
	starter Starter
	remote  Remote
	self    string
}

func NewCoordinator(dir Directory, starter Starter, remote Remote, self string) *Coordinator {
	return &Coordinator{dir: dir, starter: starter, remote: remote, self: self}
}

func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (*Placement, error) {
	timer := prometheus.NewTimer(monitoring.RegistrationDuration)
	defer timer.ObserveDuration()

	if req.PhoneKey == "" || req.TenantID == "" {
		return nil, errors.New("phone key and tenant id are required")
	}

	tenant, err := c.dir.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	if tenant == nil || !tenant.Active {
		return nil, fmt.Errorf("tenant %q is not available", req.TenantID)
	}

	// Capacity re-check at call time. A check that goes stale before the
	// claim below is an accepted weak-consistency window; the counter is a
	// cache, the unique insert is the real guarantee.
	if tenant.CurrentSessions >= tenant.MaxSessions {
		return nil, fmt.Errorf("%w: %d/%d sessions in use on %s",
			ErrCapacity, tenant.CurrentSessions, tenant.MaxSessions, tenant.ID)
	}

	// The ownership insert is the only atomic step: of two concurrent
	// registrations for one phone key exactly one lands here.
	if err := c.dir.ClaimPhone(ctx, req.PhoneKey, req.TenantID); err != nil {
		return nil, fmt.Errorf("claim phone %s: %w", req.PhoneKey, err)
	}

	remote := req.TenantID != c.self
	botID, createErr := c.createBot(ctx, tenant, req, remote)
	if createErr != nil {
		if rbErr := c.dir.ReleasePhone(ctx, req.PhoneKey); rbErr != nil {
			monitoring.Alert("placement rollback failed", map[string]string{
				"phone_key": req.PhoneKey,
				"tenant_id": req.TenantID,
			})
			return nil, fmt.Errorf("%w: bot creation failed (%v), ownership release failed (%v), phone %s is orphaned",
				ErrRollbackFailed, createErr, rbErr, req.PhoneKey)
		}
		return nil, fmt.Errorf("create bot: %w", createErr)
	}

	if !remote {
		if _, err := c.dir.RefreshSessionCount(ctx, req.TenantID); err != nil {
			log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to refresh session count")
		}
		if req.AutoStart {
			if err := c.starter.Start(ctx, botID); err != nil {
				log.Error().Err(err).Str("bot_id", botID.String()).Msg("Auto-start after placement failed")
			}
		}
	}

	detail := fmt.Sprintf("registered %s from %s to %s", req.PhoneKey, c.self, req.TenantID)
	if err := c.dir.RecordActivity(ctx, req.TenantID, botID, "placement", detail); err != nil {
		log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to record placement activity")
	}
	log.Info().Str("phone_key", req.PhoneKey).Str("tenant_id", req.TenantID).
		Bool("remote", remote).Msg("Bot registered")

	return &Placement{BotID: botID, TenantID: req.TenantID, PhoneKey: req.PhoneKey, Remote: remote}, nil
}

func (c *Coordinator) createBot(ctx context.Context, tenant *model.Tenant, req RegisterRequest, remote bool) (uuid.UUID, error) {
	if !remote {
		bot := &model.Bot{
			TenantID:    req.TenantID,
			PhoneKey:    req.PhoneKey,
			Name:        req.Name,
			AutoStart:   req.AutoStart,
			Credentials: req.Credentials,
		}
		if err := c.dir.CreateBot(ctx, bot); err != nil {
			return uuid.Nil, err
		}
		return bot.ID, nil
	}

	resp, err := c.remote.CreateBot(ctx, tenant, federation.CreateBotRequest{
		PhoneKey:    req.PhoneKey,
		Name:        req.Name,
		Credentials: req.Credentials,
		AutoStart:   req.AutoStart,
	}, uuid.NewString())
	if err != nil {
		return uuid.Nil, err
	}
	if !resp.Success {
		return uuid.Nil, fmt.Errorf("remote create on %s: %s", tenant.ID, resp.Error)
	}
	var data struct {
		BotID uuid.UUID `json:"bot_id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return uuid.Nil, fmt.Errorf("decode remote create response: %w", err)
	}
	return data.BotID, nil
}
