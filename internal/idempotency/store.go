package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures. Callers fail closed on it and
// must not acknowledge the entry they were working on.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Key prefixes of the two logical stores sharing one backend.
const (
	PrefixProcessed = "idem:"
	PrefixDelivered = "sent:"
)

type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
)

// Outcome of a reservation attempt.
type Outcome int

const (
	Acquired Outcome = iota
	AlreadyReserved
	AlreadyCompleted
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// Record is the stored state of a key. Result holds the serialized outbound
// envelope and ResultRef the outbound entry id once completed.
type Record struct {
	Status      Status    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
	Result      string    `json:"result,omitempty"`
	ResultRef   string    `json:"result_ref,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

type Reservation struct {
	Outcome Outcome
	// Record is set for AlreadyCompleted, and for AlreadyReserved when known.
	Record Record
}

// Store is an atomic reserve/complete/release key-value store with TTL.
type Store interface {
	// Reserve atomically claims key for owner if absent.
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (Reservation, error)
	// Complete overwrites key with a completed record.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release deletes key only while it is still a reservation held by owner.
	Release(ctx context.Context, key, owner string) error
}
