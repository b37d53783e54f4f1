package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/model"
)

// ErrNotFound is returned by Start when no bot row exists for the id.
var ErrNotFound = errors.New("bot not found")

// Session is one live in-memory session: registry entry, controller and the
// opaque handle the controller owns.
type Session struct {
	BotID     uuid.UUID
	TenantID  string
	StartedAt time.Time
	ctrl      *Controller
}

// Status is a read-only snapshot of a session's in-memory state.
type Status struct {
	BotID             uuid.UUID `json:"bot_id"`
	TenantID          string    `json:"tenant_id"`
	State             string    `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	StartedAt         time.Time `json:"started_at"`
}

// Manager is the single source of truth for which bots are running in this
// process. At most one live session exists per bot id; all mutating
// operations on the same id are serialized by a per-id mutex while different
// ids proceed independently.
type Manager struct {
	client Client
	store  BotStore
	cfg    Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	locks    map[uuid.UUID]*sync.Mutex
}

func NewManager(client Client, store BotStore, cfg Config) *Manager {
	return &Manager{
		client:   client,
		store:    store,
		cfg:      cfg.withDefaults(),
		sessions: make(map[uuid.UUID]*Session),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one bot id.
func (m *Manager) lockFor(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Start brings up a session for the bot. A no-op when the session is already
// online; an existing offline or invalid session is stopped and discarded
// first so the client never holds two overlapping identities for one id.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.startLocked(ctx, id)
}

func (m *Manager) startLocked(ctx context.Context, id uuid.UUID) error {
	if s := m.lookup(id); s != nil {
		switch s.ctrl.State() {
		case StateOnline, StateConnecting, StateReconnecting:
			// A live session already owns this identity.
			return nil
		default:
			// Idle or invalid: dead weight, replace it with a fresh session.
			m.discardLocked(ctx, s)
		}
	}

	bot, err := m.store.GetBot(ctx, id)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}
	if bot == nil {
		return ErrNotFound
	}

	ctrl := newController(bot, m.client, m.store, m.cfg, m.restartAsync)
	s := &Session{
		BotID:     bot.ID,
		TenantID:  bot.TenantID,
		StartedAt: time.Now(),
		ctrl:      ctrl,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	ctrl.Start()
	log.Info().Str("bot_id", id.String()).Str("tenant_id", bot.TenantID).Msg("Session starting")
	return nil
}

// Stop tears a session down: handle closed, timers canceled, registry entry
// removed, lifecycle persisted as offline. Idempotent; stopping a bot that is
// not running does nothing and records nothing.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(ctx, id)
}

func (m *Manager) stopLocked(ctx context.Context, id uuid.UUID) error {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	s.ctrl.Stop(ctx)
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.store.UpdateLifecycle(ctx, id, model.LifecycleOffline); err != nil {
		log.Error().Err(err).Str("bot_id", id.String()).Msg("Failed to persist offline status")
	}
	if err := m.store.RecordActivity(ctx, s.TenantID, id, "session", "session stopped"); err != nil {
		log.Error().Err(err).Str("bot_id", id.String()).Msg("Failed to record activity")
	}
	log.Info().Str("bot_id", id.String()).Msg("Session stopped")
	return nil
}

// discardLocked removes a dead or dying session before a fresh start. The
// cooldown gives the remote end time to see the old connection go away.
func (m *Manager) discardLocked(ctx context.Context, s *Session) {
	s.ctrl.Stop(ctx)
	m.mu.Lock()
	delete(m.sessions, s.BotID)
	m.mu.Unlock()
	time.Sleep(m.cfg.StopCooldown)
}

// Restart stops and then starts the session, with an enforced minimum delay
// between the two halves to avoid reconnect storms against the gateway.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := m.stopLocked(ctx, id); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.RestartDelay):
	}
	return m.startLocked(ctx, id)
}

// restartAsync is the controller's escape hatch for heartbeat failures. It
// runs outside the controller goroutine so Stop can observe the loop exit.
func (m *Manager) restartAsync(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Restart(ctx, id); err != nil {
		log.Error().Err(err).Str("bot_id", id.String()).Msg("Forced restart failed")
	}
}

// Status returns the in-memory snapshot for one bot. It never touches the
// record store.
func (m *Manager) Status(id uuid.UUID) (Status, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return snapshot(s), true
}

// StatusAll returns snapshots for every running session.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, snapshot(s))
	}
	return out
}

func (m *Manager) lookup(id uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func snapshot(s *Session) Status {
	return Status{
		BotID:             s.BotID,
		TenantID:          s.TenantID,
		State:             s.ctrl.State().String(),
		ReconnectAttempts: s.ctrl.Attempts(),
		StartedAt:         s.StartedAt,
	}
}
