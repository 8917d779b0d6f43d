package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Password  string `mapstructure:"redis_password"`
}

// Entry is one stream record as delivered to a consumer.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes a delivered-but-unacknowledged record.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Store adapts Redis for the dispatcher: durable streams with consumer-group
// semantics plus a plain key/value facet for the bot registry and limiter windows.
type Store struct {
	db *redis.Client
}

// New initializes and returns a new Store configured with the provided Config.
func New(cfg *Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
	})

	return &Store{db: rdb}
}

// Close terminates the connection to the Redis database and returns an error if the operation fails.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureGroup creates the consumer group on the stream, creating the stream if absent.
// It is idempotent: an already existing group is treated as success.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.db.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}

		return fmt.Errorf("failed to create group %s on stream %s: %w", group, stream, err)
	}

	return nil
}

// Append adds a record with the given flat field map to the stream and returns its id.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	id, err := s.db.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}

	return id, nil
}

// ReadNew reads up to count undelivered entries for the consumer. A positive block
// duration makes the read wait that long for new entries; otherwise it polls.
func (s *Store) ReadNew(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Entry, error) {
	return s.readGroup(ctx, group, consumer, stream, ">", count, block)
}

// ReadHistory reads up to count entries already delivered to this consumer but not yet acknowledged.
func (s *Store) ReadHistory(ctx context.Context, group, consumer, stream string, count int64) ([]Entry, error) {
	return s.readGroup(ctx, group, consumer, stream, "0", count, 0)
}

func (s *Store) readGroup(ctx context.Context, group, consumer, stream, start string, count int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// Negative block makes go-redis omit the BLOCK argument entirely.
		block = -1
	}

	res, err := s.db.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	var entries []Entry

	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}

	return entries, nil
}

// Ack acknowledges the record with the given id for the group.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.db.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on stream %s: %w", id, stream, err)
	}

	return nil
}

// PendingScan returns up to count pending records of the group with their idle times.
func (s *Store) PendingScan(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	res, err := s.db.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, fmt.Errorf("failed to scan pending on stream %s: %w", stream, err)
	}

	pending := make([]PendingEntry, 0, len(res))

	for _, p := range res {
		pending = append(pending, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}

	return pending, nil
}

// Claim moves ownership of the given pending records to the consumer, provided they
// have been idle at least minIdle. It returns the ids actually claimed; payloads are
// not transferred, a subsequent ReadHistory retrieves them in the new consumer's name.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, ids []string, minIdle time.Duration) ([]string, error) {
	claimed, err := s.db.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()

	if err != nil {
		return nil, fmt.Errorf("failed to claim on stream %s: %w", stream, err)
	}

	return claimed, nil
}

// Get returns the value stored at key and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.db.Get(ctx, key).Result()

	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return val, true, nil
}

// Set stores value at key. A positive ttl makes the key expire.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

// ScanPrefix returns all keys starting with the given prefix.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.db.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys with prefix %s: %w", prefix, err)
	}

	return keys, nil
}

func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))

	for k, v := range values {
		switch t := v.(type) {
		case string:
			fields[k] = t
		default:
			fields[k] = fmt.Sprint(t)
		}
	}

	return fields
}
