package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-relay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// MaxLen bounds each stream with approximate trimming. Zero disables it.
	MaxLen int64
	Logger *zap.Logger
}

// RedisTransport implements Transport on Redis Streams.
type RedisTransport struct {
	client *redis.Client
	maxLen int64
	logger *zap.Logger
}

func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisTransportFromClient(client, cfg.MaxLen, cfg.Logger)
}

// NewRedisTransportFromClient wraps an existing client, sharing its pool with
// the idempotency store and dead-letter sink.
func NewRedisTransportFromClient(client *redis.Client, maxLen int64, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, maxLen: maxLen, logger: logger}
}

func (t *RedisTransport) Client() *redis.Client {
	return t.client
}

func (t *RedisTransport) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	id, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		err = fmt.Errorf("%w: xadd %s: %w", ErrTransport, stream, err)
		if isWrongType(err) {
			return "", retry.Permanent(err)
		}
		return "", err
	}
	return id, nil
}

// isWrongType reports a server reply saying the key holds another data type.
// Retrying cannot fix it.
func isWrongType(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}

func (t *RedisTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %w", ErrTransport, group, stream, err)
	}
	if err == nil {
		t.logger.Info("Consumer group created", zap.String("stream", stream), zap.String("group", group))
	}
	return nil
}

func (t *RedisTransport) ReadGroup(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		block = -1
	}
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    maxCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xreadgroup %s: %w", ErrTransport, stream, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(s.Stream, msg, 1))
		}
	}
	return entries, nil
}

func (t *RedisTransport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %w", ErrTransport, stream, err)
	}
	return nil
}

// Pending uses XPENDING IDLE (Redis 6.2+) so the count applies to idle
// entries only.
func (t *RedisTransport) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xpending %s: %w", ErrTransport, stream, err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (t *RedisTransport) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: xclaim %s: %w", ErrTransport, stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts, err := t.deliveryCounts(ctx, stream, group, msgs)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(stream, msg, counts[msg.ID]))
	}
	return entries, nil
}

func (t *RedisTransport) deliveryCounts(ctx context.Context, stream, group string, msgs []redis.XMessage) (map[string]int64, error) {
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range msgs {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  group,
				Start:  msg.ID,
				End:    msg.ID,
				Count:  1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: xpending %s: %w", ErrTransport, stream, err)
	}

	counts := make(map[string]int64, len(msgs))
	for i, msg := range msgs {
		counts[msg.ID] = 1
		if res, err := cmds[i].Result(); err == nil && len(res) == 1 {
			counts[msg.ID] = res[0].RetryCount
		}
	}
	return counts, nil
}

func (t *RedisTransport) Exists(ctx context.Context, stream, id string) (bool, error) {
	msgs, err := t.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return false, fmt.Errorf("%w: xrange %s: %w", ErrTransport, stream, err)
	}
	return len(msgs) > 0, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrTransport, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func toEntry(stream string, msg redis.XMessage, deliveryCount int64) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return Entry{Stream: stream, ID: msg.ID, Fields: fields, DeliveryCount: deliveryCount}
}
