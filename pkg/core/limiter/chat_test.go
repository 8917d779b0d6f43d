package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgdispatch/pkg/repo"
)

func setupChat(t *testing.T, delays Delays) (*miniredis.Miniredis, *Chat) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := repo.New(&repo.Config{RedisAddr: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })

	// A generous global budget keeps these tests focused on the chat windows.
	return mr, NewChat(store, NewGlobal(1000), delays)
}

func TestChatAcquireSendSpacing(t *testing.T) {
	_, chat := setupChat(t, Delays{Send: 80 * time.Millisecond, Edit: time.Millisecond, Group: time.Millisecond})

	ctx := context.Background()
	start := time.Now()

	require.NoError(t, chat.AcquireSend(ctx, "100", 7))
	require.NoError(t, chat.AcquireSend(ctx, "100", 7))

	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestChatAcquireSendDistinctChats(t *testing.T) {
	_, chat := setupChat(t, Delays{Send: 300 * time.Millisecond, Edit: time.Millisecond, Group: time.Millisecond})

	ctx := context.Background()
	start := time.Now()

	require.NoError(t, chat.AcquireSend(ctx, "100", 7))
	require.NoError(t, chat.AcquireSend(ctx, "200", 7))

	// Windows are per chat, the second chat is not delayed by the first.
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestChatWindowKeys(t *testing.T) {
	mr, chat := setupChat(t, Delays{Send: time.Millisecond, Edit: time.Millisecond, Group: time.Millisecond})

	ctx := context.Background()

	require.NoError(t, chat.AcquireSend(ctx, "100", 7))
	assert.True(t, mr.Exists("limiter:send:chat_id:100:7"))

	// Group chats are recognized by the "-" prefix of the textual id.
	require.NoError(t, chat.AcquireSend(ctx, "-100", 7))
	assert.True(t, mr.Exists("limiter:group:chat_id:-100:7"))
	assert.False(t, mr.Exists("limiter:send:chat_id:-100:7"))

	// Edits use the edit window even in group chats.
	require.NoError(t, chat.AcquireEdit(ctx, "-100", 7))
	assert.True(t, mr.Exists("limiter:edit:chat_id:-100:7"))
}

func TestChatWindowTTL(t *testing.T) {
	mr, chat := setupChat(t, Delays{Send: 80 * time.Millisecond, Edit: time.Millisecond, Group: time.Millisecond})

	ctx := context.Background()

	require.NoError(t, chat.AcquireSend(ctx, "100", 7))

	// The TTL is the delay rounded up to whole seconds.
	assert.Equal(t, time.Second, mr.TTL("limiter:send:chat_id:100:7"))
}

func TestChatAcquireStoreError(t *testing.T) {
	mr, chat := setupChat(t, Delays{Send: time.Millisecond, Edit: time.Millisecond, Group: time.Millisecond})

	mr.Close()

	err := chat.AcquireSend(context.Background(), "100", 7)
	assert.Error(t, err)
}
