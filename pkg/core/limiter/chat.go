package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPerChatDelay     = time.Second
	DefaultPerChatEditDelay = 3050 * time.Millisecond
	DefaultPerGroupDelay    = 3050 * time.Millisecond

	chatSendPrefix  = "limiter:send:chat_id:"
	chatEditPrefix  = "limiter:edit:chat_id:"
	groupSendPrefix = "limiter:group:chat_id:"
)

// KV is the key/value facet of the stream store used to share limiter windows
// across processes.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Delays holds the three per-chat time windows.
type Delays struct {
	Send  time.Duration
	Edit  time.Duration
	Group time.Duration
}

// DefaultDelays returns Telegram's documented per-chat limits.
func DefaultDelays() Delays {
	return Delays{
		Send:  DefaultPerChatDelay,
		Edit:  DefaultPerChatEditDelay,
		Group: DefaultPerGroupDelay,
	}
}

func (d Delays) withDefaults() Delays {
	def := DefaultDelays()

	if d.Send <= 0 {
		d.Send = def.Send
	}

	if d.Edit <= 0 {
		d.Edit = def.Edit
	}

	if d.Group <= 0 {
		d.Group = def.Group
	}

	return d
}

// Chat serializes per-chat traffic. The critical section is process-local; between
// processes coordination relies solely on the K/V timestamp, which is racy: losing
// a race costs at most one premature send.
type Chat struct {
	mu     sync.Mutex
	kv     KV
	global *Global
	delays Delays
}

// NewChat creates the layered chat limiter on top of the per-bot global limiter.
func NewChat(kv KV, global *Global, delays Delays) *Chat {
	return &Chat{
		kv:     kv,
		global: global,
		delays: delays.withDefaults(),
	}
}

// AcquireSend blocks until a message may be sent to the chat. Group chats, whose
// textual id starts with "-", get the wider group window.
func (c *Chat) AcquireSend(ctx context.Context, chatID string, botID int64) error {
	delay, prefix := c.delays.Send, chatSendPrefix
	if strings.HasPrefix(chatID, "-") {
		delay, prefix = c.delays.Group, groupSendPrefix
	}

	return c.acquire(ctx, prefix, chatID, botID, delay)
}

// AcquireEdit blocks until a message in the chat may be edited. Edits always use
// the edit window regardless of chat type.
func (c *Chat) AcquireEdit(ctx context.Context, chatID string, botID int64) error {
	return c.acquire(ctx, chatEditPrefix, chatID, botID, c.delays.Edit)
}

func (c *Chat) acquire(ctx context.Context, prefix, chatID string, botID int64, delay time.Duration) error {
	if err := c.global.Acquire(ctx, botID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%s%s:%d", prefix, chatID, botID)

	stored, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read limiter window %s: %w", key, err)
	}

	if ok {
		if last, perr := strconv.ParseFloat(stored, 64); perr == nil {
			elapsed := time.Duration((nowSeconds() - last) * float64(time.Second))
			if wait := delay - elapsed; wait > 0 {
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
	}

	// TTL rounds the delay up to whole seconds so dormant windows expire on their own.
	ttl := time.Duration(math.Ceil(delay.Seconds())) * time.Second

	value := strconv.FormatFloat(nowSeconds(), 'f', 6, 64)
	if err := c.kv.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("failed to write limiter window %s: %w", key, err)
	}

	return nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
