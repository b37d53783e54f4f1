package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chathive/session-orchestrator/internal/model"
)

// AutoStartLister lists approved bots flagged for automatic start.
type AutoStartLister interface {
	ListAutoStart(ctx context.Context) ([]*model.Bot, error)
}

// Monitor periodically reconciles desired running state (auto-start, approved
// bots) against the sessions actually registered in the manager. It is one of
// the concurrent callers the manager's per-id locking exists for.
type Monitor struct {
	store    AutoStartLister
	manager  *Manager
	interval time.Duration
}

func NewMonitor(store AutoStartLister, manager *Manager, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{store: store, manager: manager, interval: interval}
}

// Run blocks until the context is canceled.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.reconcile(ctx)
		}
	}
}

func (mo *Monitor) reconcile(ctx context.Context) {
	bots, err := mo.store.ListAutoStart(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation list failed")
		return
	}
	for _, bot := range bots {
		if _, running := mo.manager.Status(bot.ID); running {
			continue
		}
		if err := mo.manager.Start(ctx, bot.ID); err != nil {
			log.Error().Err(err).Str("bot_id", bot.ID.String()).Msg("Reconciliation start failed")
		}
	}
}
