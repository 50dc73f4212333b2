package deadletter

import (
	"context"

	"go-relay/internal/observability"

	"github.com/sirupsen/logrus"
)

// LogSink only records dead letters in the log.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: observability.GetLogger()}
}

func (s *LogSink) Send(ctx context.Context, rec Record) error {
	s.logger.WithFields(logrus.Fields{
		"stream":         rec.Stream,
		"group":          rec.Group,
		"entry_id":       rec.EntryID,
		"business_key":   rec.BusinessKey,
		"correlation_id": rec.CorrelationID,
		"reason":         rec.Reason,
		"error":          rec.Error,
		"delivery_count": rec.DeliveryCount,
		"fields":         rec.Fields,
	}).Error("Entry dead-lettered")
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
