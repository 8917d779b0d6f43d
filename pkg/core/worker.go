package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

const (
	failedSendDetails   = "Failed send message"
	failedEditDetails   = "Failed to change msg"
	failedDeleteDetails = "Cannot delete message"
)

// Worker drains one bot's primary and broadcast streams, reclaims stuck records,
// and executes tasks against Telegram under the rate limiter.
type Worker struct {
	store    StreamStore
	tg       TelegramClient
	limiter  ChatLimiter
	producer *Producer
	cfg      Config

	botID     int64
	consumer  string
	primary   string
	broadcast string
	logs      string // empty when log events are disabled
}

// NewWorker creates the consumer for one bot. The consumer name is the bot id.
func NewWorker(store StreamStore, tg TelegramClient, lim ChatLimiter, producer *Producer, cfg Config, botID int64, wantLogs bool) *Worker {
	w := &Worker{
		store:     store,
		tg:        tg,
		limiter:   lim,
		producer:  producer,
		cfg:       cfg.withDefaults(),
		botID:     botID,
		consumer:  strconv.FormatInt(botID, 10),
		primary:   BotStream(botID),
		broadcast: BroadcastStream(botID),
	}

	if wantLogs {
		w.logs = LogsStream(botID)
	}

	return w
}

// Run drains the bot's streams until the context ends. A failed cycle is logged
// and retried after a second; the loop exits only through cancellation.
func (w *Worker) Run(ctx context.Context) error {
	streams := []string{w.primary, w.broadcast}
	if w.logs != "" {
		streams = append(streams, w.logs)
	}

	for _, stream := range streams {
		if err := w.store.EnsureGroup(ctx, stream, GroupName); err != nil {
			return fmt.Errorf("failed to set up stream %s: %w", stream, err)
		}

		slog.InfoContext(ctx, "bot stream consumer started",
			slog.String("stream", stream),
			slog.String("consumer", w.consumer),
		)
	}

	lastReclaim := time.Now()

	for {
		if err := w.cycle(ctx, &lastReclaim); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				slog.InfoContext(ctx, "worker shutting down", slog.String("consumer", w.consumer))
				return nil
			}

			slog.ErrorContext(ctx, "error in worker cycle",
				slog.String("consumer", w.consumer),
				slog.Any("error", err),
			)

			if sleepCtx(ctx, time.Second) != nil {
				return nil
			}
		}
	}
}

func (w *Worker) cycle(ctx context.Context, lastReclaim *time.Time) error {
	if time.Since(*lastReclaim) >= w.cfg.ReclaimInterval {
		*lastReclaim = time.Now()

		slog.InfoContext(ctx, "running reclaim check", slog.String("consumer", w.consumer))

		if err := reclaimStream(ctx, w.store, w.primary, w.consumer, w.cfg, w.handle); err != nil {
			return err
		}

		if err := reclaimStream(ctx, w.store, w.broadcast, w.consumer, w.cfg, w.handle); err != nil {
			return err
		}
	}

	// The primary stream gets the blocking read, so it has soft priority while
	// the broadcast stream is polled at least once per cycle.
	if err := w.drain(ctx, w.primary, w.cfg.ReadBlock); err != nil {
		return err
	}

	return w.drain(ctx, w.broadcast, 0)
}

func (w *Worker) drain(ctx context.Context, stream string, block time.Duration) error {
	entries, err := w.store.ReadNew(ctx, GroupName, w.consumer, stream, workerBatchSize, block)
	if err != nil {
		return err
	}

	return processEntries(ctx, w.store, stream, w.consumer, entries, w.handle)
}

// handle parses and executes one record. Malformed records are logged and dropped;
// only transient failures (limiter transport, Telegram network, log emission)
// return an error so the record stays pending.
func (w *Worker) handle(ctx context.Context, fields map[string]string) error {
	env, err := ParseEnvelope(fields)
	if err != nil {
		slog.ErrorContext(ctx, "bot stream received unsupported message",
			slog.String("consumer", w.consumer),
			slog.Any("error", err),
		)

		return nil
	}

	if env.Task == nil {
		slog.ErrorContext(ctx, "bot stream received unsupported message data",
			slog.String("consumer", w.consumer),
			slog.String("type", string(env.Kind)),
		)

		return nil
	}

	if (env.Kind == KindDelMsg || env.Kind == KindEditMsg) && env.Task.MessageID == "" {
		slog.ErrorContext(ctx, "task message has no message_id",
			slog.String("consumer", w.consumer),
			slog.String("type", string(env.Kind)),
		)

		return nil
	}

	switch env.Kind {
	case KindSendMsg:
		return w.sendMsg(ctx, env.Task)
	case KindEditMsg:
		return w.editMsg(ctx, env.Task)
	case KindDelMsg:
		return w.delMsg(ctx, env.Task)
	default:
		slog.ErrorContext(ctx, "bot stream received unsupported command",
			slog.String("consumer", w.consumer),
			slog.String("type", string(env.Kind)),
		)

		return nil
	}
}

func (w *Worker) sendMsg(ctx context.Context, task *TaskPayload) error {
	replyTo, _ := task.ReplyTo.Int()

	for _, part := range w.tg.Split(task.Text) {
		if err := w.limiter.AcquireSend(ctx, task.ChatID.String(), w.botID); err != nil {
			return err
		}

		sentID, err := w.tg.Send(ctx, task.ChatID, part, task.ReplyMarkup, replyTo)
		if err != nil {
			return err
		}

		if w.logs == "" {
			continue
		}

		ev := &LogEvent{
			Kind:        KindSendMsg,
			Status:      1,
			BotID:       task.BotID,
			ChatID:      task.ChatID,
			Text:        part,
			ReplyMarkup: task.ReplyMarkup,
			ReplyTo:     task.ReplyTo,
			SentMsgID:   &sentID,
			ExternalID:  task.ExternalID,
		}

		if sentID == 0 {
			ev.Status = 0
			ev.Details = failedSendDetails
		}

		if err := w.producer.Publish(ctx, ev, w.logs); err != nil {
			return fmt.Errorf("failed to emit log event: %w", err)
		}
	}

	return nil
}

func (w *Worker) editMsg(ctx context.Context, task *TaskPayload) error {
	msgID, ok := task.MessageID.Int()
	if !ok {
		slog.ErrorContext(ctx, "task message has malformed message_id",
			slog.String("consumer", w.consumer),
			slog.String("message_id", string(task.MessageID)),
		)

		return nil
	}

	if err := w.limiter.AcquireEdit(ctx, task.ChatID.String(), w.botID); err != nil {
		return err
	}

	edited, err := w.tg.Edit(ctx, task.ChatID, msgID, task.Text, task.ReplyMarkup)
	if err != nil {
		return err
	}

	if w.logs == "" {
		return nil
	}

	ev := &LogEvent{
		Kind:        KindEditMsg,
		Status:      1,
		BotID:       task.BotID,
		ChatID:      task.ChatID,
		Text:        task.Text,
		ReplyMarkup: task.ReplyMarkup,
		ReplyTo:     task.ReplyTo,
		MessageID:   task.MessageID,
		ExternalID:  task.ExternalID,
	}

	if !edited {
		ev.Status = 0
		ev.Details = failedEditDetails
	}

	if err := w.producer.Publish(ctx, ev, w.logs); err != nil {
		return fmt.Errorf("failed to emit log event: %w", err)
	}

	return nil
}

func (w *Worker) delMsg(ctx context.Context, task *TaskPayload) error {
	msgID, ok := task.MessageID.Int()
	if !ok {
		slog.ErrorContext(ctx, "task message has malformed message_id",
			slog.String("consumer", w.consumer),
			slog.String("message_id", string(task.MessageID)),
		)

		return nil
	}

	// Deletes share the send window, group-aware like sends.
	if err := w.limiter.AcquireSend(ctx, task.ChatID.String(), w.botID); err != nil {
		return err
	}

	deleted, err := w.tg.Delete(ctx, task.ChatID, msgID)
	if err != nil {
		return err
	}

	if w.logs == "" {
		return nil
	}

	ev := &LogEvent{
		Kind:       KindDelMsg,
		Status:     1,
		BotID:      task.BotID,
		ChatID:     task.ChatID,
		MessageID:  task.MessageID,
		ExternalID: task.ExternalID,
	}

	if !deleted {
		ev.Status = 0
		ev.Details = failedDeleteDetails
	}

	if err := w.producer.Publish(ctx, ev, w.logs); err != nil {
		return fmt.Errorf("failed to emit log event: %w", err)
	}

	return nil
}
