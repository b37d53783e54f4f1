package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func onlineClient() *fakeClient {
	return &fakeClient{onConnect: func(n int, h *fakeHandle) {
		h.emit(Event{Kind: EventOpen})
	}}
}

func TestManager_ConcurrentStartOpensOneHandle(t *testing.T) {
	bot := testBot()
	store := newFakeStore(bot)
	client := onlineClient()
	m := NewManager(client, store, fastConfig())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start(ctx, bot.ID))
		}()
	}
	wg.Wait()
	defer m.Stop(ctx, bot.ID)

	waitFor(t, func() bool {
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "online session")
	assert.Equal(t, 1, client.connectCount(), "exactly one handle for N concurrent starts")
	assert.Len(t, m.StatusAll(), 1)
}

func TestManager_StartUnknownBot(t *testing.T) {
	m := NewManager(onlineClient(), newFakeStore(), fastConfig())
	err := m.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StartIsNoOpWhileOnline(t *testing.T) {
	bot := testBot()
	client := onlineClient()
	m := NewManager(client, newFakeStore(bot), fastConfig())
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, bot.ID))
	waitFor(t, func() bool {
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "online session")

	assert.NoError(t, m.Start(ctx, bot.ID))
	assert.Equal(t, 1, client.connectCount())
	m.Stop(ctx, bot.ID)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	bot := testBot()
	store := newFakeStore(bot)
	client := onlineClient()
	m := NewManager(client, store, fastConfig())
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, bot.ID))
	waitFor(t, func() bool {
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "online session")

	assert.NoError(t, m.Stop(ctx, bot.ID))
	stopped := store.activityCount("session: session stopped")
	assert.Equal(t, 1, stopped)
	assert.True(t, client.handle(0).closed.Load(), "handle closed on stop")

	// Second stop: no error, no duplicate audit entry.
	assert.NoError(t, m.Stop(ctx, bot.ID))
	assert.Equal(t, stopped, store.activityCount("session: session stopped"))
	_, running := m.Status(bot.ID)
	assert.False(t, running)
}

func TestManager_RestartReplacesSession(t *testing.T) {
	bot := testBot()
	client := onlineClient()
	m := NewManager(client, newFakeStore(bot), fastConfig())
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, bot.ID))
	waitFor(t, func() bool {
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "online session")
	started := time.Now()

	assert.NoError(t, m.Restart(ctx, bot.ID))
	defer m.Stop(ctx, bot.ID)

	waitFor(t, func() bool { return client.connectCount() == 2 }, "second connect")
	assert.True(t, client.handle(0).closed.Load(), "old handle closed before new connect")
	st, ok := m.Status(bot.ID)
	assert.True(t, ok)
	assert.True(t, st.StartedAt.After(started) || st.StartedAt.Equal(started))
}

func TestManager_HeartbeatFailureForcesRestart(t *testing.T) {
	bot := testBot()
	cfg := fastConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	client := onlineClient()
	m := NewManager(client, newFakeStore(bot), cfg)
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, bot.ID))
	waitFor(t, func() bool {
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "online session")

	// Kill the identity silently; the heartbeat must notice and recycle.
	client.handle(0).alive.Store(false)

	waitFor(t, func() bool {
		if client.connectCount() < 2 {
			return false
		}
		st, ok := m.Status(bot.ID)
		return ok && st.State == "online"
	}, "session recycled by heartbeat")
	m.Stop(ctx, bot.ID)
}

func TestManager_IndependentIDsDoNotSerialize(t *testing.T) {
	botA, botB := testBot(), testBot()
	store := newFakeStore(botA, botB)
	client := onlineClient()
	m := NewManager(client, store, fastConfig())
	ctx := context.Background()

	assert.NoError(t, m.Start(ctx, botA.ID))
	assert.NoError(t, m.Start(ctx, botB.ID))
	defer m.Stop(ctx, botA.ID)
	defer m.Stop(ctx, botB.ID)

	waitFor(t, func() bool { return len(m.StatusAll()) == 2 }, "two sessions")
	assert.Equal(t, 2, client.connectCount())
}
