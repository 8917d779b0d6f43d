package core

import (
	"context"
	"time"

	"tgdispatch/pkg/core/limiter"
	"tgdispatch/pkg/repo"
)

// StreamStore is the durable stream capability the dispatcher runs on, plus the
// key/value facet for the bot registry and limiter windows.
type StreamStore interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)
	ReadNew(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]repo.Entry, error)
	ReadHistory(ctx context.Context, group, consumer, stream string, count int64) ([]repo.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
	PendingScan(ctx context.Context, stream, group string, count int64) ([]repo.PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, ids []string, minIdle time.Duration) ([]string, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// TelegramClient is the per-bot call surface toward Telegram.
type TelegramClient interface {
	Split(text string) []string
	Send(ctx context.Context, chat ChatID, text string, markup *ReplyMarkup, replyTo int) (int, error)
	Edit(ctx context.Context, chat ChatID, messageID int, text string, markup *ReplyMarkup) (bool, error)
	Delete(ctx context.Context, chat ChatID, messageID int) (bool, error)
}

// TelegramFactory creates a TelegramClient for a bot token, validating the token
// in the process.
type TelegramFactory func(ctx context.Context, token string) (TelegramClient, error)

// ChatLimiter serializes outbound traffic per chat on top of the per-bot global rate.
type ChatLimiter interface {
	AcquireSend(ctx context.Context, chatID string, botID int64) error
	AcquireEdit(ctx context.Context, chatID string, botID int64) error
}

// Service owns the dispatcher: the stream store, the layered rate limiter, the
// producer and the controller with its per-bot workers.
type Service struct {
	controller *Controller
}

// New wires the dispatcher together.
func New(cfg *Config, store StreamStore, factory TelegramFactory) *Service {
	c := cfg.withDefaults()

	global := limiter.NewGlobal(c.GlobalRPS)
	chat := limiter.NewChat(store, global, limiter.Delays{
		Send:  c.PerChatDelay,
		Edit:  c.PerChatEditDelay,
		Group: c.PerGroupDelay,
	})

	producer := NewProducer(store)

	return &Service{
		controller: NewController(store, chat, producer, factory, c),
	}
}

// Run drives the control-stream consumer until the context ends.
func (s *Service) Run(ctx context.Context) error {
	return s.controller.Run(ctx)
}
