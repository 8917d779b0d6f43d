package core

import (
	"context"
	"fmt"
	"log/slog"
)

// Appender is the append capability of the stream store.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)
}

// StreamMessage is anything that can flatten itself into stream record fields.
// Both Envelope and LogEvent implement it.
type StreamMessage interface {
	Fields() (map[string]any, error)
}

// Producer serializes typed messages and appends them to streams. It is used by
// the ingress to publish jobs and by workers to emit log events.
type Producer struct {
	store Appender
}

// NewProducer creates a Producer on top of the given store.
func NewProducer(store Appender) *Producer {
	return &Producer{store: store}
}

// Publish appends the message to the stream, propagating any failure. Workers use
// it for log events so an emission failure keeps the source entry pending.
func (p *Producer) Publish(ctx context.Context, msg StreamMessage, stream string) error {
	fields, err := msg.Fields()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	id, err := p.store.Append(ctx, stream, fields)
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "message published",
		slog.String("stream", stream),
		slog.String("id", id),
	)

	return nil
}

// TryPublish appends the message to the stream, swallowing and logging failures.
// This is the ingress's fire-and-forget path.
func (p *Producer) TryPublish(ctx context.Context, msg StreamMessage, stream string) {
	if err := p.Publish(ctx, msg, stream); err != nil {
		slog.ErrorContext(ctx, "failed to publish message",
			slog.String("stream", stream),
			slog.Any("error", err),
		)
	}
}
