package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tgdispatch/pkg/repo"
)

type fakeFactory struct {
	err    error
	tokens []string
}

func (f *fakeFactory) create(_ context.Context, token string) (TelegramClient, error) {
	f.tokens = append(f.tokens, token)

	if f.err != nil {
		return nil, f.err
	}

	return &fakeTelegram{}, nil
}

func newTestController(t *testing.T, factory *fakeFactory) (*miniredis.Miniredis, *repo.Store, *Controller) {
	t.Helper()

	mr, store := setupStore(t)

	cfg := Config{ReclaimInterval: time.Hour, ReadBlock: 20 * time.Millisecond}
	c := NewController(store, &fakeLimiter{}, NewProducer(store), factory.create, cfg)

	t.Cleanup(c.shutdown)

	return mr, store, c
}

func serviceFields(t *testing.T, kind MessageKind, p ServicePayload) map[string]string {
	t.Helper()

	fields, err := NewServiceEnvelope(kind, p).Fields()
	require.NoError(t, err)

	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}

	return raw
}

func TestControllerAddBot(t *testing.T) {
	factory := &fakeFactory{}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()

	require.NoError(t, c.handle(ctx, serviceFields(t, KindAddBot, ServicePayload{
		BotID:    7,
		Token:    "12345:abc",
		WantLogs: true,
	})))

	val, ok, err := store.Get(ctx, "bot:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12345:abc:LOGS:True", val)

	assert.Equal(t, []string{"12345:abc"}, factory.tokens)
	require.Len(t, c.workers, 1)
	assert.True(t, c.workers[7].wantLogs)
}

func TestControllerAddBotDuplicate(t *testing.T) {
	factory := &fakeFactory{}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()
	fields := serviceFields(t, KindAddBot, ServicePayload{BotID: 7, Token: "12345:abc"})

	require.NoError(t, c.handle(ctx, fields))
	require.NoError(t, c.handle(ctx, fields))

	// The second activation is a warning, not a second worker.
	assert.Len(t, factory.tokens, 1)
	assert.Len(t, c.workers, 1)

	_, ok, err := store.Get(ctx, "bot:7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestControllerAddBotInvalidToken(t *testing.T) {
	factory := &fakeFactory{err: errors.New("failed to validate bot token")}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()

	require.NoError(t, c.handle(ctx, serviceFields(t, KindAddBot, ServicePayload{
		BotID: 7,
		Token: "bad",
	})))

	// No worker and no registry key, so the bot does not come back on restart.
	assert.Empty(t, c.workers)

	_, ok, err := store.Get(ctx, "bot:7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControllerRemoveBot(t *testing.T) {
	factory := &fakeFactory{}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()

	require.NoError(t, c.handle(ctx, serviceFields(t, KindAddBot, ServicePayload{BotID: 7, Token: "12345:abc"})))
	require.Len(t, c.workers, 1)

	h := c.workers[7]

	require.NoError(t, c.handle(ctx, serviceFields(t, KindRemoveBot, ServicePayload{BotID: 7})))

	assert.Empty(t, c.workers)

	_, ok, err := store.Get(ctx, "bot:7")
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after remove")
	}
}

func TestControllerRemoveBotWithoutWorker(t *testing.T) {
	factory := &fakeFactory{}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()

	// Another instance may own the worker; the registry key goes away regardless.
	require.NoError(t, store.Set(ctx, "bot:7", "12345:abc:LOGS:False", 0))

	require.NoError(t, c.handle(ctx, serviceFields(t, KindRemoveBot, ServicePayload{BotID: 7})))

	_, ok, err := store.Get(ctx, "bot:7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControllerPulse(t *testing.T) {
	factory := &fakeFactory{}
	_, _, c := newTestController(t, factory)

	require.NoError(t, c.handle(context.Background(), serviceFields(t, KindPulse, ServicePayload{})))
	assert.Empty(t, c.workers)
}

func TestControllerDropsPoison(t *testing.T) {
	factory := &fakeFactory{}
	_, _, c := newTestController(t, factory)

	require.NoError(t, c.handle(context.Background(), map[string]string{"type": "bogus", "data": "{}"}))
	assert.Empty(t, c.workers)
}

func TestControllerRestore(t *testing.T) {
	factory := &fakeFactory{}
	_, store, c := newTestController(t, factory)

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "bot:1", "tokA:LOGS:True", 0))
	require.NoError(t, store.Set(ctx, "bot:2", "tokB:LOGS:False", 0))

	// Malformed registry entries are skipped, not fatal.
	require.NoError(t, store.Set(ctx, "bot:x", "tokC:LOGS:True", 0))
	require.NoError(t, store.Set(ctx, "bot:3", "no-marker", 0))

	c.restore(ctx)

	require.Len(t, c.workers, 2)
	assert.True(t, c.workers[1].wantLogs)
	assert.False(t, c.workers[2].wantLogs)
	assert.ElementsMatch(t, []string{"tokA", "tokB"}, factory.tokens)
}

func TestControllerRestoreRetriesOnStoreError(t *testing.T) {
	old := restoreRetryDelay
	restoreRetryDelay = 5 * time.Millisecond

	t.Cleanup(func() { restoreRetryDelay = old })

	factory := &fakeFactory{}
	mr, _, c := newTestController(t, factory)

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The retry loop gives up only when the context ends.
	start := time.Now()
	c.restore(ctx)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Empty(t, c.workers)
}

func TestControllerShutdownStuckWorkers(t *testing.T) {
	old := shutdownWait
	shutdownWait = 20 * time.Millisecond

	t.Cleanup(func() { shutdownWait = old })

	factory := &fakeFactory{}
	_, _, c := newTestController(t, factory)

	// Two workers that never acknowledge cancellation: the deadline must cover
	// the whole loop, not expire on the first stuck worker and hang on the second.
	c.workers[1] = &workerHandle{cancel: func() {}, done: make(chan struct{})}
	c.workers[2] = &workerHandle{cancel: func() {}, done: make(chan struct{})}

	finished := make(chan struct{})

	go func() {
		c.shutdown()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish with stuck workers")
	}

	assert.Empty(t, c.workers)
}

func TestControllerRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, err := miniredis.Run()
	require.NoError(t, err)

	store := repo.New(&repo.Config{RedisAddr: mr.Addr()})

	factory := &fakeFactory{}
	cfg := Config{ReclaimInterval: time.Hour, ReadBlock: 20 * time.Millisecond}
	c := NewController(store, &fakeLimiter{}, NewProducer(store), factory.create, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- c.Run(ctx)
	}()

	p := NewProducer(store)
	require.NoError(t, p.Publish(ctx, NewServiceEnvelope(KindAddBot, ServicePayload{
		BotID: 9,
		Token: "12345:abc",
	}), ControlStream))

	// The spawned worker creates the bot's stream on startup.
	assert.Eventually(t, func() bool {
		return mr.Exists(BotStream(9))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop after cancel")
	}

	require.NoError(t, store.Close())
	mr.Close()
}
