package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	controllerConsumer = "CONTROLLER"
	registryLogsSep    = ":LOGS:"
)

var (
	restoreRetryDelay = 5 * time.Second
	shutdownWait      = 5 * time.Second
)

type workerHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	wantLogs bool
}

// Controller drains the control stream, maintains the live bot registry and owns
// the per-bot worker goroutines. The worker map is touched only from the
// controller's goroutine.
type Controller struct {
	store    StreamStore
	limiter  ChatLimiter
	producer *Producer
	factory  TelegramFactory
	cfg      Config

	workers map[int64]*workerHandle
}

// NewController creates the control-plane consumer.
func NewController(store StreamStore, lim ChatLimiter, producer *Producer, factory TelegramFactory, cfg Config) *Controller {
	return &Controller{
		store:    store,
		limiter:  lim,
		producer: producer,
		factory:  factory,
		cfg:      cfg.withDefaults(),
		workers:  make(map[int64]*workerHandle),
	}
}

// Run restores workers for registered bots and then drains the control stream
// until the context ends. On shutdown all workers are cancelled and awaited.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.store.EnsureGroup(ctx, ControlStream, GroupName); err != nil {
		return fmt.Errorf("failed to set up control stream: %w", err)
	}

	slog.InfoContext(ctx, "control stream consumer started", slog.String("consumer", controllerConsumer))

	c.restore(ctx)

	lastReclaim := time.Now()

	for {
		if err := c.cycle(ctx, &lastReclaim); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				slog.InfoContext(ctx, "controller shutting down")
				c.shutdown()

				return nil
			}

			slog.ErrorContext(ctx, "error in controller cycle", slog.Any("error", err))

			if sleepCtx(ctx, time.Second) != nil {
				c.shutdown()
				return nil
			}
		}

		if ctx.Err() != nil {
			slog.InfoContext(ctx, "controller shutting down")
			c.shutdown()

			return nil
		}
	}
}

func (c *Controller) cycle(ctx context.Context, lastReclaim *time.Time) error {
	if time.Since(*lastReclaim) >= c.cfg.ReclaimInterval {
		*lastReclaim = time.Now()

		slog.InfoContext(ctx, "running reclaim check", slog.String("consumer", controllerConsumer))

		if err := reclaimStream(ctx, c.store, ControlStream, controllerConsumer, c.cfg, c.handle); err != nil {
			return err
		}
	}

	entries, err := c.store.ReadNew(ctx, GroupName, controllerConsumer, ControlStream, controllerBatchSize, c.cfg.ReadBlock)
	if err != nil {
		return err
	}

	return processEntries(ctx, c.store, ControlStream, controllerConsumer, entries, c.handle)
}

func (c *Controller) handle(ctx context.Context, fields map[string]string) error {
	env, err := ParseEnvelope(fields)
	if err != nil {
		slog.ErrorContext(ctx, "control stream received unsupported message", slog.Any("error", err))
		return nil
	}

	switch env.Kind {
	case KindPulse:
		slog.InfoContext(ctx, "pulse message received", slog.String("consumer", controllerConsumer))
	case KindAddBot:
		c.addBot(ctx, env.Service)
	case KindRemoveBot:
		c.removeBot(ctx, env.Service)
	default:
		slog.ErrorContext(ctx, "control stream received unsupported command", slog.String("type", string(env.Kind)))
	}

	return nil
}

// addBot registers the bot and spawns its worker. After it returns either a worker
// is running or the registry key is absent.
func (c *Controller) addBot(ctx context.Context, svc *ServicePayload) {
	key := botKey(svc.BotID)

	_, exists, err := c.store.Get(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "store error, aborted add_bot", slog.Any("error", err))
		return
	}

	if exists {
		slog.WarnContext(ctx, "bot is already activated", slog.Int64("bot_id", svc.BotID))
		return
	}

	if err := c.store.Set(ctx, key, registryValue(svc.Token, svc.WantLogs), 0); err != nil {
		slog.ErrorContext(ctx, "store error, aborted add_bot", slog.Any("error", err))
		return
	}

	c.spawnWorker(ctx, svc.BotID, svc.Token, svc.WantLogs)
}

// removeBot cancels the bot's worker and deletes its registry key. The key is
// deleted even when no worker is registered locally.
func (c *Controller) removeBot(ctx context.Context, svc *ServicePayload) {
	if h, ok := c.workers[svc.BotID]; ok {
		h.cancel()
		delete(c.workers, svc.BotID)

		slog.InfoContext(ctx, "cancelled worker", slog.Int64("bot_id", svc.BotID))
	} else {
		slog.WarnContext(ctx, "no worker registered for bot", slog.Int64("bot_id", svc.BotID))
	}

	if err := c.store.Delete(ctx, botKey(svc.BotID)); err != nil {
		slog.ErrorContext(ctx, "store error, aborted remove_bot", slog.Any("error", err))
	}
}

// spawnWorker validates the token and starts the bot's consumer goroutine.
// On validation failure the registry key is removed so the bot does not come
// back after a restart.
func (c *Controller) spawnWorker(ctx context.Context, botID int64, token string, wantLogs bool) {
	tg, err := c.factory(ctx, token)
	if err != nil {
		slog.ErrorContext(ctx, "cannot start bot",
			slog.Int64("bot_id", botID),
			slog.Any("error", err),
		)

		if derr := c.store.Delete(ctx, botKey(botID)); derr != nil {
			slog.ErrorContext(ctx, "store error, registry key not removed", slog.Any("error", derr))
		}

		return
	}

	w := NewWorker(c.store, tg, c.limiter, c.producer, c.cfg, botID, wantLogs)

	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{}), wantLogs: wantLogs}
	c.workers[botID] = h

	go func() {
		defer close(h.done)

		if err := w.Run(wctx); err != nil {
			slog.Error("worker stopped with error",
				slog.Int64("bot_id", botID),
				slog.Any("error", err),
			)
		}
	}()
}

// restore spawns a worker for every registered bot. A transport failure leads to a
// retry after a pause, excluding the bots already restored, until the context ends.
func (c *Controller) restore(ctx context.Context) {
	restored := make(map[string]bool)

	for {
		err := c.restoreOnce(ctx, restored)
		if err == nil || ctx.Err() != nil {
			return
		}

		slog.ErrorContext(ctx, "store error during restore, retrying", slog.Any("error", err))

		if sleepCtx(ctx, restoreRetryDelay) != nil {
			return
		}
	}
}

func (c *Controller) restoreOnce(ctx context.Context, restored map[string]bool) error {
	keys, err := c.store.ScanPrefix(ctx, botKeyPrefix)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if restored[key] {
			continue
		}

		val, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return err
		}

		restored[key] = true

		if !ok {
			slog.ErrorContext(ctx, "cannot get registry value", slog.String("key", key))
			continue
		}

		botID, err := strconv.ParseInt(strings.TrimPrefix(key, botKeyPrefix), 10, 64)
		if err != nil {
			slog.ErrorContext(ctx, "malformed registry key", slog.String("key", key))
			continue
		}

		token, wantLogs, err := parseRegistryValue(val)
		if err != nil {
			slog.ErrorContext(ctx, "malformed registry value", slog.String("key", key), slog.Any("error", err))
			continue
		}

		c.spawnWorker(ctx, botID, token, wantLogs)
	}

	return nil
}

func (c *Controller) shutdown() {
	for _, h := range c.workers {
		h.cancel()
	}

	// The deadline is shared by all workers, each wait gets the remainder.
	deadline := time.Now().Add(shutdownWait)

	for botID, h := range c.workers {
		select {
		case <-h.done:
		case <-time.After(time.Until(deadline)):
			slog.Warn("worker did not stop in time", slog.Int64("bot_id", botID))
		}

		delete(c.workers, botID)
	}
}

func registryValue(token string, wantLogs bool) string {
	flag := "False"
	if wantLogs {
		flag = "True"
	}

	return token + registryLogsSep + flag
}

func parseRegistryValue(val string) (token string, wantLogs bool, err error) {
	token, flag, found := strings.Cut(val, registryLogsSep)
	if !found {
		return "", false, fmt.Errorf("registry value has no %s marker", registryLogsSep)
	}

	return token, flag == "True", nil
}
