package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tgdispatch/pkg/repo"
)

// handlerFunc processes the fields of one stream record. A nil return means the
// record is done (including poison records that were logged and dropped); an error
// means a transient failure, the record stays pending for the reclaim cycle.
type handlerFunc func(ctx context.Context, fields map[string]string) error

// processEntries runs each entry through handle and acknowledges it. The ack
// happens regardless of the execution outcome; only a transient failure reported
// by handle leaves the entry pending.
func processEntries(ctx context.Context, store StreamStore, stream, consumer string, entries []repo.Entry, handle handlerFunc) error {
	for _, e := range entries {
		slog.InfoContext(ctx, "got message",
			slog.String("stream", stream),
			slog.String("consumer", consumer),
			slog.String("id", e.ID),
		)

		if err := handle(ctx, e.Fields); err != nil {
			return fmt.Errorf("failed to process %s on stream %s: %w", e.ID, stream, err)
		}

		if err := store.Ack(ctx, stream, GroupName, e.ID); err != nil {
			return err
		}
	}

	return nil
}

// reclaimStream scans the stream's pending list for records stuck longer than the
// idle threshold, claims them in this consumer's name and redelivers them through
// handle. The claim transfers ids only; the history read retrieves the payloads.
func reclaimStream(ctx context.Context, store StreamStore, stream, consumer string, cfg Config, handle handlerFunc) error {
	pending, err := store.PendingScan(ctx, stream, GroupName, cfg.MaxPendingToScan)
	if err != nil {
		return err
	}

	var stuck []string

	for _, p := range pending {
		if p.Idle > cfg.IdleThreshold {
			slog.InfoContext(ctx, "found stuck message",
				slog.String("stream", stream),
				slog.String("consumer", consumer),
				slog.String("id", p.ID),
				slog.Duration("idle", p.Idle),
			)

			stuck = append(stuck, p.ID)
		}
	}

	if len(stuck) == 0 {
		return nil
	}

	claimed, err := store.Claim(ctx, stream, GroupName, consumer, stuck, cfg.IdleThreshold)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "claimed stuck messages",
		slog.String("stream", stream),
		slog.String("consumer", consumer),
		slog.Int("count", len(claimed)),
	)

	entries, err := store.ReadHistory(ctx, GroupName, consumer, stream, historyBatchSize)
	if err != nil {
		return err
	}

	return processEntries(ctx, store, stream, consumer, entries, handle)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
