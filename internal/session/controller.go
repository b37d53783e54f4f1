package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/model"
	"github.com/chathive/session-orchestrator/internal/monitoring"
)

// State is the in-memory session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOnline
	StateReconnecting
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	case StateInvalid:
		return "invalid"
	default:
		return "idle"
	}
}

// Lifecycle maps the in-memory state to its persisted mirror.
func (s State) Lifecycle() model.LifecycleStatus {
	switch s {
	case StateConnecting:
		return model.LifecycleConnecting
	case StateOnline:
		return model.LifecycleOnline
	case StateReconnecting:
		return model.LifecycleReconnecting
	case StateInvalid:
		return model.LifecycleInvalid
	default:
		return model.LifecycleOffline
	}
}

// BotStore is the slice of the record store the session layer needs.
type BotStore interface {
	GetBot(ctx context.Context, id uuid.UUID) (*model.Bot, error)
	UpdateLifecycle(ctx context.Context, id uuid.UUID, status model.LifecycleStatus) error
	SetCredentialStatus(ctx context.Context, id uuid.UUID, status model.CredentialStatus) error
	MarkInvalid(ctx context.Context, id uuid.UUID, reason string) error
	IncrementMessageCount(ctx context.Context, id uuid.UUID) error
	IncrementCommandCount(ctx context.Context, id uuid.UUID) error
	RecordActivity(ctx context.Context, tenantID string, botID uuid.UUID, kind, detail string) error
}

// Config holds the session lifecycle tuning knobs.
type Config struct {
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	StopCooldown         time.Duration
	RestartDelay         time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StopCooldown <= 0 {
		c.StopCooldown = 500 * time.Millisecond
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	return c
}

// backoffDelay returns min(base * 2^attempts, cap).
func backoffDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts > 30 {
		return cap
	}
	delay := base << uint(attempts)
	if delay <= 0 || delay > cap {
		return cap
	}
	return delay
}

type verdictKind int

const (
	verdictStop verdictKind = iota
	verdictInvalid
	verdictReconnect
	verdictRestart
)

type verdict struct {
	kind        verdictKind
	reason      string
	credentials bool // credential blob itself proved invalid
}

// Controller drives one session through its lifecycle: connect, watch the
// event stream, decide reconnect vs. terminal-invalid, run the heartbeat.
type Controller struct {
	botID       uuid.UUID
	tenantID    string
	credentials []byte
	client      Client
	store       BotStore
	cfg         Config
	restart     func(id uuid.UUID)

	mu       sync.Mutex
	state    State
	attempts int
	handle   Handle

	cancel context.CancelFunc
	done   chan struct{}
}

func newController(bot *model.Bot, client Client, store BotStore, cfg Config, restart func(uuid.UUID)) *Controller {
	return &Controller{
		botID:       bot.ID,
		tenantID:    bot.TenantID,
		credentials: bot.Credentials,
		client:      client,
		store:       store,
		cfg:         cfg.withDefaults(),
		restart:     restart,
		state:       StateIdle,
		done:        make(chan struct{}),
	}
}

// Start launches the controller's event loop. Call at most once.
func (c *Controller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop cancels the event loop along with any pending backoff or heartbeat
// timer and waits for it to exit.
func (c *Controller) Stop(ctx context.Context) {
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		log.Warn().Str("bot_id", c.botID.String()).Msg("Timed out waiting for session loop to exit")
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		c.transition(ctx, StateConnecting, "")

		handle, err := c.client.Connect(ctx, c.credentials)
		if err != nil {
			if ctx.Err() != nil {
				return // stopped while connecting
			}
			// A broken client must never take the process down with it.
			log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Session client construction failed")
			c.fail(ctx, fmt.Sprintf("client construction failed: %v", err), false)
			return
		}
		c.setHandle(handle)

		v := c.watch(ctx, handle)

		c.setHandle(nil)
		if err := handle.Close(); err != nil {
			log.Debug().Err(err).Str("bot_id", c.botID.String()).Msg("Handle close failed")
		}

		switch v.kind {
		case verdictStop:
			return
		case verdictInvalid:
			c.fail(ctx, v.reason, v.credentials)
			return
		case verdictRestart:
			// The manager serializes the stop/start cycle with any concurrent
			// operator call on this id; hand off and exit so Stop can finish.
			go c.restart(c.botID)
			return
		case verdictReconnect:
			c.mu.Lock()
			attempt := c.attempts
			c.attempts++
			c.mu.Unlock()
			if attempt >= c.cfg.MaxReconnectAttempts {
				c.fail(ctx, "max reconnect attempts reached", false)
				return
			}
			monitoring.ReconnectsTotal.Inc()
			c.transition(ctx, StateReconnecting, v.reason)

			timer := time.NewTimer(backoffDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// watch consumes the handle's event stream until something decides the
// session's fate. Ordering is guaranteed within this one stream only.
func (c *Controller) watch(ctx context.Context, handle Handle) verdict {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return verdict{kind: verdictStop}

		case ev, ok := <-handle.Events():
			if !ok {
				return verdict{kind: verdictReconnect, reason: "event stream ended"}
			}
			switch ev.Kind {
			case EventOpen:
				c.mu.Lock()
				c.attempts = 0
				c.mu.Unlock()
				c.transition(ctx, StateOnline, "")
				if err := c.store.SetCredentialStatus(ctx, c.botID, model.CredentialVerified); err != nil {
					log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to persist credential status")
				}
			case EventMessage:
				if err := c.store.IncrementMessageCount(ctx, c.botID); err != nil {
					log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to bump message count")
				}
			case EventCommand:
				if err := c.store.IncrementCommandCount(ctx, c.botID); err != nil {
					log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to bump command count")
				}
			case EventIdentityLost:
				return verdict{kind: verdictRestart, reason: "identity lost"}
			case EventClose:
				return c.classifyClose(ev)
			}

		case <-heartbeat.C:
			if c.State() == StateOnline && !handle.Alive(ctx) {
				// The connection died without a close event; force a restart
				// instead of waiting for one that may never arrive.
				return verdict{kind: verdictRestart, reason: "heartbeat failed"}
			}
		}
	}
}

func (c *Controller) classifyClose(ev Event) verdict {
	reason := ev.Reason
	if reason == "" {
		reason = "connection closed"
	}
	switch ev.Code {
	case CloseLoggedOut:
		return verdict{kind: verdictInvalid, reason: "logged out: " + reason, credentials: true}
	case CloseBadCredentials:
		return verdict{kind: verdictInvalid, reason: "credentials rejected: " + reason, credentials: true}
	case CloseRateLimited:
		return verdict{kind: verdictInvalid, reason: "rate limited by server: " + reason}
	case CloseConnectionFailure:
		return verdict{kind: verdictInvalid, reason: "connection rejected: " + reason}
	default:
		return verdict{kind: verdictReconnect, reason: reason}
	}
}

// transition moves the in-memory state and mirrors it into the bot row plus
// the audit trail. Persistence failures are logged, never fatal.
func (c *Controller) transition(ctx context.Context, to State, detail string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	monitoring.SessionsByState.WithLabelValues(from.String()).Dec()
	monitoring.SessionsByState.WithLabelValues(to.String()).Inc()
	log.Debug().Str("bot_id", c.botID.String()).
		Str("from", from.String()).Str("to", to.String()).Msg("Session transition")

	if err := c.store.UpdateLifecycle(ctx, c.botID, to.Lifecycle()); err != nil {
		log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to persist lifecycle status")
	}
	entry := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		entry += ": " + detail
	}
	if err := c.store.RecordActivity(ctx, c.tenantID, c.botID, "session", entry); err != nil {
		log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to record activity")
	}
}

// fail moves the session to the terminal invalid state. The reason is kept
// for the operator and auto-start is cleared; only an explicit credential
// update plus start brings the bot back.
func (c *Controller) fail(ctx context.Context, reason string, credentialsInvalid bool) {
	c.transition(ctx, StateInvalid, reason)
	log.Warn().Str("bot_id", c.botID.String()).Str("reason", reason).Msg("Session invalidated")
	if credentialsInvalid {
		if err := c.store.SetCredentialStatus(ctx, c.botID, model.CredentialInvalid); err != nil {
			log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to persist credential status")
		}
	}
	if err := c.store.MarkInvalid(ctx, c.botID, reason); err != nil {
		log.Error().Err(err).Str("bot_id", c.botID.String()).Msg("Failed to persist invalid state")
	}
}

func (c *Controller) setHandle(h Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

// Handle exposes the live handle for sending, nil unless connected.
func (c *Controller) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}
