package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, &Store{db: client}
}

func TestNew(t *testing.T) {
	cfg := Config{
		RedisAddr: "localhost:6379",
		Password:  "password",
	}

	store := New(&cfg)

	assert.NotNil(t, store)
	assert.NotNil(t, store.db)
	assert.NoError(t, store.Close())
}

func TestEnsureGroup(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()

	err := store.EnsureGroup(ctx, "stream:test", "base")
	require.NoError(t, err)

	// Creating the same group again is treated as success.
	err = store.EnsureGroup(ctx, "stream:test", "base")
	assert.NoError(t, err)
}

func TestAppendReadAck(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:test", "base"))

	id, err := store.Append(ctx, "stream:test", map[string]any{"type": "pulse", "data": "{}"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := store.ReadNew(ctx, "base", "c1", "stream:test", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "pulse", entries[0].Fields["type"])
	assert.Equal(t, "{}", entries[0].Fields["data"])

	require.NoError(t, store.Ack(ctx, "stream:test", "base", id))

	// Acked entries are neither new nor pending.
	entries, err = store.ReadNew(ctx, "base", "c1", "stream:test", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	pending, err := store.PendingScan(ctx, "stream:test", "base", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReadHistory(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:test", "base"))

	id, err := store.Append(ctx, "stream:test", map[string]any{"type": "pulse", "data": "{}"})
	require.NoError(t, err)

	entries, err := store.ReadNew(ctx, "base", "c1", "stream:test", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Delivered but unacked entries show up in the consumer's history.
	history, err := store.ReadHistory(ctx, "base", "c1", "stream:test", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	// Another consumer's history is empty.
	history, err = store.ReadHistory(ctx, "base", "c2", "stream:test", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPendingScanAndClaim(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:test", "base"))

	id, err := store.Append(ctx, "stream:test", map[string]any{"type": "pulse", "data": "{}"})
	require.NoError(t, err)

	_, err = store.ReadNew(ctx, "base", "dead", "stream:test", 10, 0)
	require.NoError(t, err)

	pending, err := store.PendingScan(ctx, "stream:test", "base", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "dead", pending[0].Consumer)
	assert.EqualValues(t, 1, pending[0].Deliveries)

	claimed, err := store.Claim(ctx, "stream:test", "base", "alive", []string{id}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, claimed)

	// The claim moves the entry into the new consumer's history.
	history, err := store.ReadHistory(ctx, "base", "alive", "stream:test", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	require.NoError(t, store.Ack(ctx, "stream:test", "base", id))

	// Claiming an already acked entry is a no-op.
	claimed, err = store.Claim(ctx, "stream:test", "base", "alive", []string{id}, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimHonorsMinIdle(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stream:test", "base"))

	id, err := store.Append(ctx, "stream:test", map[string]any{"type": "pulse", "data": "{}"})
	require.NoError(t, err)

	_, err = store.ReadNew(ctx, "base", "dead", "stream:test", 10, 0)
	require.NoError(t, err)

	// The entry was just delivered, so a large min idle claims nothing.
	claimed, err := store.Claim(ctx, "stream:test", "base", "alive", []string{id}, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestKeyValue(t *testing.T) {
	mr, store := setupStore(t)

	ctx := context.Background()

	_, ok, err := store.Get(ctx, "bot:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "bot:1", "token:LOGS:True", 0))

	val, ok, err := store.Get(ctx, "bot:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "token:LOGS:True", val)

	require.NoError(t, store.Delete(ctx, "bot:1"))

	_, ok, err = store.Get(ctx, "bot:1")
	require.NoError(t, err)
	assert.False(t, ok)

	// A TTL expires the key.
	require.NoError(t, store.Set(ctx, "limiter:send:chat_id:1:1", "123.456", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err = store.Get(ctx, "limiter:send:chat_id:1:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPrefix(t *testing.T) {
	_, store := setupStore(t)

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "bot:1", "a", 0))
	require.NoError(t, store.Set(ctx, "bot:2", "b", 0))
	require.NoError(t, store.Set(ctx, "other:3", "c", 0))

	keys, err := store.ScanPrefix(ctx, "bot:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bot:1", "bot:2"}, keys)

	keys, err = store.ScanPrefix(ctx, "missing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
