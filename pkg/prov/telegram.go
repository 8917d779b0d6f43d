package prov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgdispatch/pkg/core"
)

type Config struct {
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// BotAPI is the slice of the Telegram bot API the client uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Client is the call surface toward one bot's Telegram API. API-level failures
// (forbidden, exhausted rate-limit retries, other API errors) are reported as a
// zero message id or false, matching the dispatcher's log-event contract; only
// transport-level failures surface as errors so the stream reclaim loop retries them.
type Client struct {
	api BotAPI
}

// New validates the token against getMe and returns the call surface for that bot.
func New(cfg *Config, token string) (*Client, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to validate bot token: %w", err)
	}

	return &Client{api: api}, nil
}

// Factory adapts New to the worker-spawning signature used by the controller.
func Factory(cfg *Config) core.TelegramFactory {
	return func(_ context.Context, token string) (core.TelegramClient, error) {
		return New(cfg, token)
	}
}

// Split breaks text into parts that fit the Telegram message limit.
func (c *Client) Split(text string) []string {
	return SplitMessage(text)
}

// Send delivers one message part and returns the sent message id, or 0 on an
// API-level failure.
func (c *Client) Send(ctx context.Context, chat core.ChatID, text string, markup *core.ReplyMarkup, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(0, text)
	setChat(&msg.BaseChat, chat)
	msg.ParseMode = tgbotapi.ModeHTML

	if m := inlineKeyboard(markup); m != nil {
		msg.ReplyMarkup = *m
	}

	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}

	sent, err := c.api.Send(msg)

	if retry, ok := retryAfter(err); ok {
		if serr := sleep(ctx, retry); serr != nil {
			return 0, serr
		}

		sent, err = c.api.Send(msg)
	}

	if err != nil {
		if isAPIError(err) {
			slog.ErrorContext(ctx, "failed to send message",
				slog.String("chat_id", chat.String()),
				slog.Any("error", err),
			)

			return 0, nil
		}

		return 0, fmt.Errorf("failed to send message to chat %s: %w", chat, err)
	}

	slog.InfoContext(ctx, "sent message",
		slog.String("chat_id", chat.String()),
		slog.Int("message_id", sent.MessageID),
	)

	return sent.MessageID, nil
}

// Delete removes a message. It returns false on an API-level failure.
func (c *Client) Delete(ctx context.Context, chat core.ChatID, messageID int) (bool, error) {
	cfg := tgbotapi.NewDeleteMessage(0, messageID)
	if id, ok := chat.Int64(); ok {
		cfg.ChatID = id
	} else {
		cfg.ChannelUsername = chat.String()
	}

	_, err := c.api.Request(cfg)

	if retry, ok := retryAfter(err); ok {
		if serr := sleep(ctx, retry); serr != nil {
			return false, serr
		}

		_, err = c.api.Request(cfg)
	}

	if err != nil {
		if isAPIError(err) {
			slog.ErrorContext(ctx, "failed to delete message",
				slog.String("chat_id", chat.String()),
				slog.Int("message_id", messageID),
				slog.Any("error", err),
			)

			return false, nil
		}

		return false, fmt.Errorf("failed to delete message %d in chat %s: %w", messageID, chat, err)
	}

	return true, nil
}

// Edit changes a message's text, or only its reply markup when text is empty.
// Text longer than the message limit is clamped. It returns false on an
// API-level failure.
func (c *Client) Edit(ctx context.Context, chat core.ChatID, messageID int, text string, markup *core.ReplyMarkup) (bool, error) {
	m := inlineKeyboard(markup)

	var cfg tgbotapi.Chattable

	if text != "" {
		if utf8.RuneCountInString(text) > MessageLimit {
			text = text[:runeOffset(text, MessageLimit)]
		}

		ec := tgbotapi.NewEditMessageText(0, messageID, text)
		setEditChat(&ec.BaseEdit, chat)
		ec.ParseMode = tgbotapi.ModeHTML
		ec.ReplyMarkup = m
		cfg = ec
	} else {
		ec := tgbotapi.EditMessageReplyMarkupConfig{
			BaseEdit: tgbotapi.BaseEdit{MessageID: messageID, ReplyMarkup: m},
		}
		setEditChat(&ec.BaseEdit, chat)
		cfg = ec
	}

	_, err := c.api.Request(cfg)

	if retry, ok := retryAfter(err); ok {
		if serr := sleep(ctx, retry); serr != nil {
			return false, serr
		}

		_, err = c.api.Request(cfg)
	}

	if err != nil {
		if isAPIError(err) {
			slog.ErrorContext(ctx, "failed to edit message",
				slog.String("chat_id", chat.String()),
				slog.Int("message_id", messageID),
				slog.Any("error", err),
			)

			return false, nil
		}

		return false, fmt.Errorf("failed to edit message %d in chat %s: %w", messageID, chat, err)
	}

	return true, nil
}

func setChat(base *tgbotapi.BaseChat, chat core.ChatID) {
	if id, ok := chat.Int64(); ok {
		base.ChatID = id
		return
	}

	base.ChannelUsername = chat.String()
}

func setEditChat(base *tgbotapi.BaseEdit, chat core.ChatID) {
	if id, ok := chat.Int64(); ok {
		base.ChatID = id
		return
	}

	base.ChannelUsername = chat.String()
}

func inlineKeyboard(markup *core.ReplyMarkup) *tgbotapi.InlineKeyboardMarkup {
	if markup.IsEmpty() {
		return nil
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(markup.InlineKeyboard))

	for _, row := range markup.InlineKeyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
		}

		rows = append(rows, buttons)
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)

	return &kb
}

// retryAfter extracts the server-suggested backoff from a rate-limit error.
func retryAfter(err error) (time.Duration, bool) {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second, true
	}

	return 0, false
}

func isAPIError(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr)
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
