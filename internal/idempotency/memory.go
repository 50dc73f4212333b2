package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with lazy and periodic expiry.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memRecord
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once

	failErr error
}

type memRecord struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]memRecord),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// SetClock overrides the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes every operation return ErrStoreUnavailable until reset with nil.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return Reservation{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, s.failErr)
	}

	if r, ok := s.lookup(key); ok {
		if r.Status == StatusCompleted {
			return Reservation{Outcome: AlreadyCompleted, Record: r}, nil
		}
		return Reservation{Outcome: AlreadyReserved, Record: r}, nil
	}
	s.records[key] = memRecord{
		rec:     Record{Status: StatusReserved, Owner: owner},
		expires: s.now().Add(ttl),
	}
	return Reservation{Outcome: Acquired}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, s.failErr)
	}

	rec.Status = StatusCompleted
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.now().UTC()
	}
	s.records[key] = memRecord{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, s.failErr)
	}

	r, ok := s.lookup(key)
	if ok && r.Status == StatusReserved && r.Owner == owner {
		delete(s.records, key)
	}
	return nil
}

// Get returns the live record for key.
func (s *MemoryStore) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key)
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) lookup(key string) (Record, bool) {
	r, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	if !s.now().Before(r.expires) {
		delete(s.records, key)
		return Record{}, false
	}
	return r.rec, true
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, r := range s.records {
				if !now.Before(r.expires) {
					delete(s.records, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
