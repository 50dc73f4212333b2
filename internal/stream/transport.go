package stream

import (
	"context"
	"errors"
	"time"

	"go-relay/pkg/models"
)

// ErrTransport marks failures of the underlying stream backend. Callers treat
// it as transient: nothing is acknowledged while it is returned.
var ErrTransport = errors.New("stream transport unavailable")

// Entry is one record read from a stream through a consumer group.
type Entry struct {
	Stream        string
	ID            string
	Fields        map[string]string
	DeliveryCount int64
}

// ProducerID returns the identity of the publisher that appended the entry.
func (e Entry) ProducerID() string {
	return e.Fields[models.FieldProducerID]
}

// PendingEntry describes an entry delivered to a consumer but not yet acked.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Transport is the durable append-only log with consumer groups that the
// pipeline runs on.
type Transport interface {
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)
	// EnsureGroup creates the group (and the stream) if missing.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup blocks up to block for new entries and returns an empty slice
	// on timeout.
	ReadGroup(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Pending lists up to count entries idle for at least minIdle.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
	// Claim transfers ownership of idle pending entries to consumer. The
	// returned entries carry the incremented delivery count.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
	Exists(ctx context.Context, stream, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
