package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON strings. Reserve is SET NX PX, Release is
// a WATCH/MULTI compare-and-delete.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (Reservation, error) {
	payload, err := json.Marshal(Record{Status: StatusReserved, Owner: owner})
	if err != nil {
		return Reservation{}, fmt.Errorf("marshal reservation: %w", err)
	}

	// a record may expire between SETNX and GET, so try twice
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("%w: setnx: %w", ErrStoreUnavailable, err)
		}
		if ok {
			return Reservation{Outcome: Acquired}, nil
		}

		rec, found, err := s.get(ctx, key)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			continue
		}
		if rec.Status == StatusCompleted {
			return Reservation{Outcome: AlreadyCompleted, Record: rec}, nil
		}
		return Reservation{Outcome: AlreadyReserved, Record: rec}, nil
	}
	return Reservation{Outcome: AlreadyReserved}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	rec.Status = StatusCompleted
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil
		}
		if rec.Status != StatusReserved || rec.Owner != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("%w: release: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: release: key %s kept changing", ErrStoreUnavailable, key)
}

// Get returns the current record for key, if any.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	return s.get(ctx, key)
}

func (s *RedisStore) get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}
