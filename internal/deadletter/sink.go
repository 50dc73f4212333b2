package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Reasons an entry is taken off the retry path.
const (
	ReasonPoison         = "poison"
	ReasonInvalidPayload = "invalid_payload"
	ReasonUnknownChannel = "unknown_channel"
	ReasonPermanent      = "permanent_failure"
	ReasonMaxAttempts    = "max_attempts"
)

// Record describes a dead-lettered stream entry with its original fields.
type Record struct {
	Stream        string            `json:"stream"`
	Group         string            `json:"group"`
	EntryID       string            `json:"entry_id"`
	BusinessKey   string            `json:"business_key,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Reason        string            `json:"reason"`
	Error         string            `json:"error,omitempty"`
	DeliveryCount int64             `json:"delivery_count"`
	Fields        map[string]string `json:"fields"`
	FailedAt      time.Time         `json:"failed_at"`
}

// Sink stores dead-lettered entries for operators. An error means the record
// was not stored and the entry must stay pending.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	Close() error
}

// Kinds accepted by New.
const (
	KindStream   = "stream"
	KindKafka    = "kafka"
	KindPostgres = "postgres"
	KindLog      = "log"
)

func KnownKind(kind string) bool {
	switch kind {
	case KindStream, KindKafka, KindPostgres, KindLog:
		return true
	}
	return false
}

func (r Record) payload() ([]byte, error) {
	if r.FailedAt.IsZero() {
		r.FailedAt = time.Now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal dead-letter record: %w", err)
	}
	return b, nil
}

// flatten renders the record as stream fields. Original fields keep their
// names; metadata is prefixed with dlq_.
func (r Record) flatten() map[string]string {
	out := make(map[string]string, len(r.Fields)+8)
	for k, v := range r.Fields {
		out[k] = v
	}
	failedAt := r.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	out["dlq_stream"] = r.Stream
	out["dlq_group"] = r.Group
	out["dlq_entry_id"] = r.EntryID
	out["dlq_reason"] = r.Reason
	out["dlq_error"] = r.Error
	out["dlq_delivery_count"] = strconv.FormatInt(r.DeliveryCount, 10)
	out["dlq_failed_at"] = failedAt.Format(time.RFC3339Nano)
	return out
}
