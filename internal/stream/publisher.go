package stream

import (
	"context"
	"fmt"
	"time"

	"go-relay/internal/observability"
	"go-relay/pkg/models"
	"go-relay/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher appends envelopes to a stream with retry and backoff.
type Publisher struct {
	transport  Transport
	logger     *zap.Logger
	metrics    observability.MetricsCollector
	policy     retry.Policy
	producerID string
	now        func() time.Time
}

type PublisherConfig struct {
	ProducerID string
	Policy     retry.Policy
	Metrics    observability.MetricsCollector
	Logger     *zap.Logger
}

func NewPublisher(transport Transport, cfg PublisherConfig) *Publisher {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Policy.InitialBackoff == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.ProducerID == "" {
		cfg.ProducerID = uuid.NewString()
	}

	return &Publisher{
		transport:  transport,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		policy:     cfg.Policy,
		producerID: cfg.ProducerID,
		now:        time.Now,
	}
}

// Publish appends fields to stream. Transport errors are retried with backoff
// until the policy is spent; a permanent error stops at once. The returned
// error wraps the last one.
func (p *Publisher) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	fields = copyFields(fields)
	if fields[models.FieldProducerID] == "" {
		fields[models.FieldProducerID] = p.producerID
	}
	businessKey := fields[models.FieldBusinessKey]

	var id string
	attempt := 0
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		attempt++
		var err error
		id, err = p.transport.Publish(ctx, stream, fields)
		if err != nil {
			p.logger.Warn("Failed to publish entry",
				zap.String("stream", stream),
				zap.String("business_key", businessKey),
				zap.Int("attempt", attempt),
				zap.Bool("permanent", retry.IsPermanent(err)),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		p.metrics.IncPublishFailed(stream)
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	p.metrics.IncPublished(stream)
	p.logger.Debug("Entry published",
		zap.String("stream", stream),
		zap.String("entry_id", id),
		zap.String("business_key", businessKey),
		zap.Int("attempt", attempt),
	)
	return id, nil
}

// PublishInbound normalizes and appends an inbound envelope. A missing
// business key is generated, a missing created_at is set to now.
func (p *Publisher) PublishInbound(ctx context.Context, stream string, env models.Envelope) (string, models.Envelope, error) {
	if env.BusinessKey == "" {
		externalID := env.MessageID
		if externalID == "" {
			externalID = uuid.NewString()
		}
		env.BusinessKey = models.BusinessKey(env.Channel, env.SenderAddress, externalID)
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = p.now().UTC()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.BusinessKey
	}
	env.Metadata = models.NormalizeMetadata(env.Metadata)

	if err := env.Validate(); err != nil {
		return "", env, retry.Permanent(err)
	}

	id, err := p.Publish(ctx, stream, env.Fields())
	return id, env, err
}

// PublishOutbound appends a reply envelope. out_id and replied_at are filled
// in when empty.
func (p *Publisher) PublishOutbound(ctx context.Context, stream string, out models.OutboundEnvelope) (string, models.OutboundEnvelope, error) {
	if out.OutID == "" {
		out.OutID = uuid.NewString()
	}
	if out.RepliedAt.IsZero() {
		out.RepliedAt = p.now().UTC()
	}
	if err := out.Validate(); err != nil {
		return "", out, retry.Permanent(err)
	}

	id, err := p.Publish(ctx, stream, out.Fields())
	return id, out, err
}
