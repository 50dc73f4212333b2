package channel

import (
	"context"

	"go-relay/internal/observability"
	"go-relay/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogSender writes replies to the log instead of an external system.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: observability.GetLogger()}
}

func (s *LogSender) Channel() models.Channel {
	return models.ChannelLog
}

func (s *LogSender) Send(ctx context.Context, destination, body string) Result {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	id := uuid.NewString()
	s.logger.WithFields(logrus.Fields{
		"destination": destination,
		"provider_id": id,
		"body":        body,
	}).Info("Reply delivered to log")
	return Success(id)
}
