package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/model"
	"github.com/chathive/session-orchestrator/internal/monitoring"
	"github.com/chathive/session-orchestrator/internal/session"
)

const ctxClaimsKey = "federation.claims"

// BotDirectory is the slice of the record store the inbound handlers need.
// Every operation is scoped to the receiving tenant's own rows.
type BotDirectory interface {
	CreateBot(ctx context.Context, bot *model.Bot) error
	GetBot(ctx context.Context, id uuid.UUID) (*model.Bot, error)
	UpdateBot(ctx context.Context, bot *model.Bot) error
	UpdateCredentials(ctx context.Context, id uuid.UUID, credentials []byte) error
	RefreshSessionCount(ctx context.Context, tenantID string) (int, error)
	RecordActivity(ctx context.Context, tenantID string, botID uuid.UUID, kind, detail string) error
	LookupIdempotency(ctx context.Context, tenantID, source, key string) ([]byte, error)
	RecordIdempotency(ctx context.Context, tenantID, source, key string, response []byte) error
}

// Lifecycle is the session manager surface the lifecycle verbs dispatch to.
type Lifecycle interface {
	Start(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	Restart(ctx context.Context, id uuid.UUID) error
	Status(id uuid.UUID) (session.Status, bool)
	StatusAll() []session.Status
}

// Server dispatches verified federation requests to narrow per-verb handlers.
type Server struct {
	verifier *Verifier
	store    BotDirectory
	manager  Lifecycle
	self     string
}

func NewServer(verifier *Verifier, store BotDirectory, manager Lifecycle, self string) *Server {
	return &Server{verifier: verifier, store: store, manager: manager, self: self}
}

// Register mounts the verb routes.
func (s *Server) Register(r gin.IRouter) {
	r.POST(PathCreateBot, s.auth(ActionCreateBot), s.handleCreateBot)
	r.POST(PathUpdateBot, s.auth(ActionUpdateBot), s.handleUpdateBot)
	r.POST(PathUpdateCredentials, s.auth(ActionUpdateCredentials), s.handleUpdateCredentials)
	r.POST(PathLifecycleStart, s.auth(ActionLifecycleStart), s.handleLifecycle(ActionLifecycleStart))
	r.POST(PathLifecycleStop, s.auth(ActionLifecycleStop), s.handleLifecycle(ActionLifecycleStop))
	r.POST(PathLifecycleRestart, s.auth(ActionLifecycleRestart), s.handleLifecycle(ActionLifecycleRestart))
	r.POST(PathStatus, s.auth(ActionStatus), s.handleStatus)
	r.POST(PathHealth, s.auth(ActionHealth), s.handleHealth)
}

// auth verifies the bearer token before any handler runs. An invalid request
// is rejected here and never dispatched.
func (s *Server) auth(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := strings.TrimSpace(c.GetHeader(HeaderSourceTenant))
		claims, err := s.verifier.Verify(c.Request.Context(), source, bearerToken(c))
		if err != nil {
			monitoring.FederationRequests.WithLabelValues(action, "rejected").Inc()
			log.Warn().Err(err).Str("source", source).Str("action", action).
				Msg("Federation request rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Success: false, Error: "authentication failed"})
			return
		}
		if claims.Action != action {
			monitoring.FederationRequests.WithLabelValues(action, "rejected").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Success: false, Error: "action does not match verb"})
			return
		}
		c.Set(ctxClaimsKey, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

func claimsFrom(c *gin.Context) *Claims {
	return c.MustGet(ctxClaimsKey).(*Claims)
}

// replayIdempotent answers a retried mutating request with the response
// recorded for its key. A key is recorded only when the handler succeeded, so
// a failed first attempt leaves it free and the retry re-executes. Keys are
// scoped per source tenant, like the replay cache's (serverName, nonce).
func (s *Server) replayIdempotent(c *gin.Context, claims *Claims) bool {
	if claims.IdempotencyKey == "" {
		return false
	}
	recorded, err := s.store.LookupIdempotency(c.Request.Context(), s.self, claims.Issuer, claims.IdempotencyKey)
	if err != nil {
		s.fail(c, claims, fmt.Sprintf("idempotency lookup: %v", err))
		return true
	}
	if recorded == nil {
		return false
	}
	monitoring.FederationRequests.WithLabelValues(claims.Action, "duplicate").Inc()
	log.Info().Str("source", claims.Issuer).Str("action", claims.Action).
		Str("idempotency_key", claims.IdempotencyKey).Msg("Duplicate federation request replayed")
	c.Data(http.StatusOK, "application/json", recorded)
	return true
}

func (s *Server) handleCreateBot(c *gin.Context) {
	claims := claimsFrom(c)
	if s.replayIdempotent(c, claims) {
		return
	}
	var req CreateBotRequest
	if err := json.Unmarshal(claims.Data, &req); err != nil || req.PhoneKey == "" {
		s.fail(c, claims, "invalid createBot payload")
		return
	}

	ctx := c.Request.Context()
	bot := &model.Bot{
		TenantID:    s.self,
		PhoneKey:    req.PhoneKey,
		Name:        req.Name,
		AutoStart:   req.AutoStart,
		Credentials: req.Credentials,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		s.fail(c, claims, fmt.Sprintf("create bot: %v", err))
		return
	}
	if _, err := s.store.RefreshSessionCount(ctx, s.self); err != nil {
		log.Error().Err(err).Str("tenant_id", s.self).Msg("Failed to refresh session count")
	}
	if req.AutoStart {
		if err := s.manager.Start(ctx, bot.ID); err != nil {
			log.Error().Err(err).Str("bot_id", bot.ID.String()).Msg("Auto-start after remote create failed")
		}
	}
	s.ok(c, claims, gin.H{"bot_id": bot.ID})
}

func (s *Server) handleUpdateBot(c *gin.Context) {
	claims := claimsFrom(c)
	if s.replayIdempotent(c, claims) {
		return
	}
	var req UpdateBotRequest
	if err := json.Unmarshal(claims.Data, &req); err != nil || req.BotID == uuid.Nil {
		s.fail(c, claims, "invalid updateBot payload")
		return
	}

	ctx := c.Request.Context()
	bot, err := s.loadScoped(ctx, req.BotID)
	if err != nil {
		s.fail(c, claims, err.Error())
		return
	}
	if req.Name != nil {
		bot.Name = *req.Name
	}
	if req.ApprovalStatus != nil {
		bot.ApprovalStatus = model.ApprovalStatus(*req.ApprovalStatus)
	}
	if req.AutoStart != nil {
		bot.AutoStart = *req.AutoStart
	}
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.fail(c, claims, fmt.Sprintf("update bot: %v", err))
		return
	}
	s.ok(c, claims, gin.H{"bot_id": bot.ID})
}

func (s *Server) handleUpdateCredentials(c *gin.Context) {
	claims := claimsFrom(c)
	if s.replayIdempotent(c, claims) {
		return
	}
	var req UpdateCredentialsRequest
	if err := json.Unmarshal(claims.Data, &req); err != nil || req.BotID == uuid.Nil || len(req.Credentials) == 0 {
		s.fail(c, claims, "invalid updateCredentials payload")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.loadScoped(ctx, req.BotID); err != nil {
		s.fail(c, claims, err.Error())
		return
	}
	if err := s.store.UpdateCredentials(ctx, req.BotID, req.Credentials); err != nil {
		s.fail(c, claims, fmt.Sprintf("update credentials: %v", err))
		return
	}
	s.ok(c, claims, gin.H{"bot_id": req.BotID})
}

func (s *Server) handleLifecycle(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if s.replayIdempotent(c, claims) {
			return
		}
		var req LifecycleRequest
		if err := json.Unmarshal(claims.Data, &req); err != nil || req.BotID == uuid.Nil {
			s.fail(c, claims, "invalid lifecycle payload")
			return
		}

		ctx := c.Request.Context()
		if _, err := s.loadScoped(ctx, req.BotID); err != nil {
			s.fail(c, claims, err.Error())
			return
		}
		var err error
		switch action {
		case ActionLifecycleStart:
			err = s.manager.Start(ctx, req.BotID)
		case ActionLifecycleStop:
			err = s.manager.Stop(ctx, req.BotID)
		case ActionLifecycleRestart:
			err = s.manager.Restart(ctx, req.BotID)
		}
		if err != nil {
			s.fail(c, claims, fmt.Sprintf("%s: %v", action, err))
			return
		}
		s.ok(c, claims, gin.H{"bot_id": req.BotID})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	claims := claimsFrom(c)
	var req StatusRequest
	if len(claims.Data) > 0 {
		if err := json.Unmarshal(claims.Data, &req); err != nil {
			s.fail(c, claims, "invalid status payload")
			return
		}
	}
	if req.BotID == uuid.Nil {
		s.ok(c, claims, s.manager.StatusAll())
		return
	}
	if _, err := s.loadScoped(c.Request.Context(), req.BotID); err != nil {
		s.fail(c, claims, err.Error())
		return
	}
	st, running := s.manager.Status(req.BotID)
	if !running {
		s.ok(c, claims, gin.H{"bot_id": req.BotID, "running": false})
		return
	}
	s.ok(c, claims, st)
}

func (s *Server) handleHealth(c *gin.Context) {
	claims := claimsFrom(c)
	s.ok(c, claims, gin.H{"status": "ok", "sessions": len(s.manager.StatusAll())})
}

// loadScoped fetches a bot and refuses anything outside the receiving
// tenant's partition. No verb may act beyond that scope.
func (s *Server) loadScoped(ctx context.Context, id uuid.UUID) (*model.Bot, error) {
	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bot: %v", err)
	}
	if bot == nil || bot.TenantID != s.self {
		return nil, errors.New("bot not found")
	}
	return bot, nil
}

func (s *Server) ok(c *gin.Context, claims *Claims, data any) {
	monitoring.FederationRequests.WithLabelValues(claims.Action, "ok").Inc()
	s.audit(c, claims, "ok")
	raw, err := json.Marshal(data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "encode response"})
		return
	}
	body, err := json.Marshal(Response{Success: true, Data: raw})
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "encode response"})
		return
	}
	if claims.IdempotencyKey != "" {
		if err := s.store.RecordIdempotency(c.Request.Context(), s.self, claims.Issuer, claims.IdempotencyKey, body); err != nil {
			log.Error().Err(err).Str("idempotency_key", claims.IdempotencyKey).
				Msg("Failed to record idempotent response")
		}
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) fail(c *gin.Context, claims *Claims, msg string) {
	monitoring.FederationRequests.WithLabelValues(claims.Action, "error").Inc()
	s.audit(c, claims, "error: "+msg)
	log.Warn().Str("source", claims.Issuer).Str("action", claims.Action).Str("error", msg).
		Msg("Federation request failed")
	c.JSON(http.StatusOK, Response{Success: false, Error: msg})
}

func (s *Server) audit(c *gin.Context, claims *Claims, outcome string) {
	detail := fmt.Sprintf("%s from %s to %s: %s", claims.Action, claims.Issuer, s.self, outcome)
	if err := s.store.RecordActivity(c.Request.Context(), s.self, uuid.Nil, "federation", detail); err != nil {
		log.Error().Err(err).Msg("Failed to record federation activity")
	}
}
