package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chathive/session-orchestrator/internal/model"
)

// Wire headers shared by client and server.
const (
	HeaderSourceTenant   = "X-Source-Tenant"
	HeaderTargetTenant   = "X-Target-Tenant"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// Verb paths, fixed per action.
const (
	PathCreateBot         = "/internal/bots/create"
	PathUpdateBot         = "/internal/bots/update"
	PathUpdateCredentials = "/internal/bots/update-credentials"
	PathLifecycleStart    = "/internal/bots/lifecycle/start"
	PathLifecycleStop     = "/internal/bots/lifecycle/stop"
	PathLifecycleRestart  = "/internal/bots/lifecycle/restart"
	PathStatus            = "/internal/bots/status"
	PathHealth            = "/internal/health"
)

// Response is the uniform envelope every federation verb answers with.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Verb payloads.
type CreateBotRequest struct {
	PhoneKey    string `json:"phone_key"`
	Name        string `json:"name"`
	Credentials []byte `json:"credentials,omitempty"`
	AutoStart   bool   `json:"auto_start"`
}

type UpdateBotRequest struct {
	BotID          uuid.UUID `json:"bot_id"`
	Name           *string   `json:"name,omitempty"`
	ApprovalStatus *string   `json:"approval_status,omitempty"`
	AutoStart      *bool     `json:"auto_start,omitempty"`
}

type UpdateCredentialsRequest struct {
	BotID       uuid.UUID `json:"bot_id"`
	Credentials []byte    `json:"credentials"`
}

type LifecycleRequest struct {
	BotID uuid.UUID `json:"bot_id"`
}

type StatusRequest struct {
	BotID uuid.UUID `json:"bot_id,omitempty"`
}

// wireRequest mirrors the signed claims in the request body.
type wireRequest struct {
	Issuer         string          `json:"issuer"`
	Audience       string          `json:"audience"`
	ServerName     string          `json:"server_name"`
	Action         string          `json:"action"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Nonce          string          `json:"nonce"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Client issues signed requests to other server instances. Calls are
// synchronous with a timeout; a timeout is transient and is only retried when
// the caller explicitly re-issues the same idempotency key.
type Client struct {
	http       *http.Client
	selfTenant string
	serverName string
}

func NewClient(selfTenant, serverName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		selfTenant: selfTenant,
		serverName: serverName,
	}
}

func (c *Client) CreateBot(ctx context.Context, target *model.Tenant, req CreateBotRequest, idempotencyKey string) (*Response, error) {
	return c.do(ctx, target, ActionCreateBot, PathCreateBot, req, idempotencyKey)
}

func (c *Client) UpdateBot(ctx context.Context, target *model.Tenant, req UpdateBotRequest, idempotencyKey string) (*Response, error) {
	return c.do(ctx, target, ActionUpdateBot, PathUpdateBot, req, idempotencyKey)
}

func (c *Client) UpdateCredentials(ctx context.Context, target *model.Tenant, req UpdateCredentialsRequest, idempotencyKey string) (*Response, error) {
	return c.do(ctx, target, ActionUpdateCredentials, PathUpdateCredentials, req, idempotencyKey)
}

func (c *Client) Lifecycle(ctx context.Context, target *model.Tenant, action string, botID uuid.UUID, idempotencyKey string) (*Response, error) {
	var path string
	switch action {
	case ActionLifecycleStart:
		path = PathLifecycleStart
	case ActionLifecycleStop:
		path = PathLifecycleStop
	case ActionLifecycleRestart:
		path = PathLifecycleRestart
	default:
		return nil, fmt.Errorf("unknown lifecycle action %q", action)
	}
	return c.do(ctx, target, action, path, LifecycleRequest{BotID: botID}, idempotencyKey)
}

func (c *Client) Status(ctx context.Context, target *model.Tenant, botID uuid.UUID) (*Response, error) {
	return c.do(ctx, target, ActionStatus, PathStatus, StatusRequest{BotID: botID}, "")
}

func (c *Client) Health(ctx context.Context, target *model.Tenant) (*Response, error) {
	return c.do(ctx, target, ActionHealth, PathHealth, struct{}{}, "")
}

func (c *Client) do(ctx context.Context, target *model.Tenant, action, path string, payload any, idempotencyKey string) (*Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	claims := &Claims{
		ServerName:     c.serverName,
		Action:         action,
		Data:           data,
		Nonce:          uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.selfTenant,
			Audience:  jwt.ClaimStrings{target.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token, err := signToken(target.SharedSecret, claims)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	body, err := json.Marshal(wireRequest{
		Issuer:         c.selfTenant,
		Audience:       target.ID,
		ServerName:     c.serverName,
		Action:         action,
		Data:           data,
		Timestamp:      now.Unix(),
		Nonce:          claims.Nonce,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(target.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderSourceTenant, c.selfTenant)
	req.Header.Set(HeaderTargetTenant, target.ID)
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", action, target.ID, err)
	}
	defer resp.Body.Close()

	envelope := &Response{}
	if err := json.NewDecoder(resp.Body).Decode(envelope); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", target.ID, err)
	}
	return envelope, nil
}
