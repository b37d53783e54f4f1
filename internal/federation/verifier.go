package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chathive/session-orchestrator/internal/model"
)

// ErrAuth marks every verification failure. Callers reject before dispatch
// and never retry automatically.
var ErrAuth = errors.New("authentication failed")

// TenantDirectory looks up tenants, in particular their shared secrets.
type TenantDirectory interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
}

// Verifier checks inbound signed requests: signature, structure, issuer,
// audience, nonce freshness and timestamp window, in that order.
type Verifier struct {
	tenants TenantDirectory
	self    string
	replay  ReplayCache
	window  time.Duration
	now     func() time.Time
}

func NewVerifier(tenants TenantDirectory, self string, replay ReplayCache) *Verifier {
	return &Verifier{
		tenants: tenants,
		self:    self,
		replay:  replay,
		window:  TokenTTL,
		now:     time.Now,
	}
}

// Verify validates the token presented by sourceTenant. On success the parsed
// claims are returned; on any failure the request must not be dispatched.
func (v *Verifier) Verify(ctx context.Context, sourceTenant, token string) (*Claims, error) {
	if sourceTenant == "" {
		return nil, fmt.Errorf("%w: missing source tenant header", ErrAuth)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuth)
	}

	tenant, err := v.tenants.GetTenant(ctx, sourceTenant)
	if err != nil {
		return nil, fmt.Errorf("lookup source tenant: %w", err)
	}
	if tenant == nil || !tenant.Active {
		return nil, fmt.Errorf("%w: unknown source tenant %q", ErrAuth, sourceTenant)
	}

	claims, err := parseToken(tenant.SharedSecret, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	if claims.Issuer == "" || len(claims.Audience) == 0 || claims.ServerName == "" ||
		claims.Action == "" || claims.Nonce == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: incomplete claims", ErrAuth)
	}
	if claims.Issuer != sourceTenant {
		return nil, fmt.Errorf("%w: issuer %q does not match source %q", ErrAuth, claims.Issuer, sourceTenant)
	}
	if !audienceContains(claims, v.self) {
		return nil, fmt.Errorf("%w: token not addressed to this server", ErrAuth)
	}

	seen, err := v.replay.Seen(ctx, claims.ServerName, claims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	if seen {
		return nil, fmt.Errorf("%w: nonce replayed", ErrAuth)
	}

	now := v.now()
	issued := claims.IssuedAt.Time
	if issued.After(now) {
		return nil, fmt.Errorf("%w: timestamp in the future", ErrAuth)
	}
	if now.Sub(issued) > v.window {
		return nil, fmt.Errorf("%w: timestamp older than %s", ErrAuth, v.window)
	}
	if now.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrAuth)
	}

	return claims, nil
}

func audienceContains(claims *Claims, id string) bool {
	for _, aud := range claims.Audience {
		if aud == id {
			return true
		}
	}
	return false
}
