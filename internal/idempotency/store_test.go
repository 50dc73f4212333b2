package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) (Store, func(time.Duration))

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) (Store, func(time.Duration)) {
			s := NewMemoryStore()
			t.Cleanup(s.Close)
			now := time.Now()
			var mu sync.Mutex
			s.SetClock(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			})
			return s, func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			}
		},
		"redis": func(t *testing.T) (Store, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, PrefixProcessed), mr.FastForward
		},
	}
}

func TestStore_ReserveCompleteRelease(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			res, err := s.Reserve(ctx, "k1", "worker-a", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Acquired, res.Outcome)

			res, err = s.Reserve(ctx, "k1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, AlreadyReserved, res.Outcome)
			assert.Equal(t, "worker-a", res.Record.Owner)

			require.NoError(t, s.Complete(ctx, "k1", Record{Result: `{"x":1}`, ResultRef: "1-0"}, time.Hour))

			res, err = s.Reserve(ctx, "k1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, AlreadyCompleted, res.Outcome)
			assert.Equal(t, StatusCompleted, res.Record.Status)
			assert.Equal(t, "1-0", res.Record.ResultRef)
			assert.Equal(t, `{"x":1}`, res.Record.Result)
		})
	}
}

func TestStore_ReleaseOnlyByOwner(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			_, err := s.Reserve(ctx, "k1", "worker-a", time.Minute)
			require.NoError(t, err)

			require.NoError(t, s.Release(ctx, "k1", "worker-b"))
			res, err := s.Reserve(ctx, "k1", "worker-c", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, AlreadyReserved, res.Outcome, "foreign release must not delete")

			require.NoError(t, s.Release(ctx, "k1", "worker-a"))
			res, err = s.Reserve(ctx, "k1", "worker-c", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Acquired, res.Outcome)
		})
	}
}

func TestStore_ReleaseKeepsCompleted(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			_, err := s.Reserve(ctx, "k1", "worker-a", time.Minute)
			require.NoError(t, err)
			require.NoError(t, s.Complete(ctx, "k1", Record{Owner: "worker-a"}, time.Hour))
			require.NoError(t, s.Release(ctx, "k1", "worker-a"))

			res, err := s.Reserve(ctx, "k1", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, AlreadyCompleted, res.Outcome)
		})
	}
}

func TestStore_ReservationExpires(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s, advance := factory(t)
			ctx := context.Background()

			_, err := s.Reserve(ctx, "k1", "crashed", 2*time.Minute)
			require.NoError(t, err)

			advance(3 * time.Minute)

			res, err := s.Reserve(ctx, "k1", "survivor", 2*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, Acquired, res.Outcome)
		})
	}
}

func TestStore_ConcurrentReserveSingleWinner(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			s, _ := factory(t)
			ctx := context.Background()

			var winners atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Reserve(ctx, "hot", "w", time.Minute)
					if err == nil && res.Outcome == Acquired {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(1), winners.Load())
		})
	}
}

func TestRedisStore_UnavailableIsWrapped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, PrefixDelivered)
	mr.Close()

	_, err := s.Reserve(context.Background(), "k1", "w", time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	err = s.Complete(context.Background(), "k1", Record{}, time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, PrefixDelivered)

	_, err := s.Reserve(context.Background(), "out-1", "d", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("sent:out-1"))
}

func TestMemoryStore_Fail(t *testing.T) {
	s := NewMemoryStore()
	t.Cleanup(s.Close)
	s.Fail(errors.New("down"))

	_, err := s.Reserve(context.Background(), "k", "w", time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	s.Fail(nil)
	res, err := s.Reserve(context.Background(), "k", "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res.Outcome)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "acquired", Acquired.String())
	assert.Equal(t, "already_reserved", AlreadyReserved.String())
	assert.Equal(t, "already_completed", AlreadyCompleted.String())
}
