package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-relay/internal/deadletter"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"
	"go-relay/internal/reasoning"
	"go-relay/internal/stream"
	"go-relay/pkg/models"
	"go-relay/pkg/retry"

	"github.com/sirupsen/logrus"
)

// ErrInFlightElsewhere is returned when another worker holds the reservation
// for the same business key. The entry stays pending and is retried through
// reclaim.
var ErrInFlightElsewhere = errors.New("business key is being processed by another worker")

const DefaultFallbackReply = "Sorry, something went wrong while handling your message. Please try again later."

type Config struct {
	InboundStream  string
	OutboundStream string
	Group          string
	// Owner identifies this worker in reservations.
	Owner          string
	MessageTimeout time.Duration
	IdempotencyTTL time.Duration
	ReservationTTL time.Duration
	FallbackReply  string
}

type Deps struct {
	Transport  stream.Transport
	Store      idempotency.Store
	Reasoner   reasoning.Reasoner
	Publisher  *stream.Publisher
	DeadLetter deadletter.Sink
	Metrics    observability.MetricsCollector
}

// Processor handles one inbound entry: dedupe, reason, publish the reply,
// record completion. A nil return means the entry may be acknowledged.
type Processor struct {
	cfg        Config
	transport  stream.Transport
	store      idempotency.Store
	reasoner   reasoning.Reasoner
	publisher  *stream.Publisher
	deadLetter deadletter.Sink
	metrics    observability.MetricsCollector
	logger     *logrus.Logger
	now        func() time.Time
}

func NewProcessor(cfg Config, deps Deps) *Processor {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 2 * cfg.MessageTimeout
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = DefaultFallbackReply
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = deadletter.NewLogSink()
	}

	return &Processor{
		cfg:        cfg,
		transport:  deps.Transport,
		store:      deps.Store,
		reasoner:   deps.Reasoner,
		publisher:  deps.Publisher,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		logger:     observability.GetLogger(),
		now:        time.Now,
	}
}

// Process is a stream.Handler for the inbound stream.
func (p *Processor) Process(ctx context.Context, entry stream.Entry) error {
	start := p.now()

	env, err := models.EnvelopeFromFields(entry.Fields)
	if err != nil {
		return p.poison(ctx, entry, err)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"entry_id":       entry.ID,
		"business_key":   env.BusinessKey,
		"correlation_id": env.CorrelationID,
		"channel":        env.Channel,
		"delivery_count": entry.DeliveryCount,
	})
	if !env.CreatedAt.IsZero() {
		lag := start.Sub(env.CreatedAt)
		p.metrics.ObserveInboundLag(lag)
		logger = logger.WithField("inbound_lag_ms", lag.Milliseconds())
	}
	logger.Info("Processing message")

	res, err := p.store.Reserve(ctx, env.BusinessKey, p.cfg.Owner, p.cfg.ReservationTTL)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", env.BusinessKey, err)
	}

	switch res.Outcome {
	case idempotency.AlreadyCompleted:
		return p.replay(ctx, env, res.Record, logger)
	case idempotency.AlreadyReserved:
		logger.WithField("owner", res.Record.Owner).Info("Message already in flight, leaving pending")
		return ErrInFlightElsewhere
	}

	out := p.reason(ctx, env, logger)

	publishStart := p.now()
	id, out, err := p.publisher.PublishOutbound(ctx, p.cfg.OutboundStream, out)
	p.metrics.ObserveProcessing("publish", p.now().Sub(publishStart))
	if err != nil {
		if relErr := p.store.Release(ctx, env.BusinessKey, p.cfg.Owner); relErr != nil {
			logger.WithError(relErr).Warn("Failed to release reservation")
		}
		return fmt.Errorf("publish outbound for %s: %w", env.BusinessKey, err)
	}

	result, err := models.MarshalOutbound(out)
	if err != nil {
		return err
	}
	rec := idempotency.Record{
		Status:      idempotency.StatusCompleted,
		Owner:       p.cfg.Owner,
		Result:      result,
		ResultRef:   id,
		CompletedAt: p.now().UTC(),
	}
	if err := p.store.Complete(ctx, env.BusinessKey, rec, p.cfg.IdempotencyTTL); err != nil {
		// The reply is already durable on the outbound stream, so the entry is
		// still acknowledged.
		logger.WithError(err).Error("Failed to record completion")
	}

	logger.WithFields(logrus.Fields{
		"outbound_id": id,
		"status":      out.Status,
		"total_ms":    p.now().Sub(start).Milliseconds(),
	}).Info("Message processed")
	return nil
}

// reason invokes the reasoner under MessageTimeout. Any failure produces an
// error reply carrying the fallback text.
func (p *Processor) reason(ctx context.Context, env models.Envelope, logger *logrus.Entry) models.OutboundEnvelope {
	out := models.OutboundEnvelope{
		Envelope:           env,
		DestinationAddress: env.SenderAddress,
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.MessageTimeout)
	defer cancel()

	start := p.now()
	resp, err := p.invoke(rctx, env)
	elapsed := p.now().Sub(start)
	p.metrics.ObserveProcessing("reasoner", elapsed)

	if err == nil && strings.TrimSpace(resp.Body) == "" {
		err = reasoning.ErrEmptyResponse
	}
	if err != nil {
		p.metrics.IncReasoningFailed()
		failLog := logger.WithError(err).WithFields(logrus.Fields{
			"reasoner_ms": elapsed.Milliseconds(),
			"permanent":   retry.IsPermanent(err),
		})
		if retry.IsPermanent(err) {
			failLog.Error("Reasoner rejected message, sending fallback reply")
		} else {
			failLog.Warn("Reasoner failed, sending fallback reply")
		}
		out.Status = models.StatusError
		out.ResultBody = p.cfg.FallbackReply
		out.ErrorReason = err.Error()
		return out
	}

	logger.WithField("reasoner_ms", elapsed.Milliseconds()).Debug("Reasoner replied")
	out.Status = models.StatusOK
	out.ResultBody = resp.Body
	return out
}

// invoke returns when the reasoner does or when ctx ends, whichever comes
// first. A reasoner that ignores ctx is left running in the background.
func (p *Processor) invoke(ctx context.Context, env models.Envelope) (reasoning.Response, error) {
	type result struct {
		resp reasoning.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("reasoner panic: %v", r)}
			}
		}()
		resp, err := p.reasoner.Invoke(ctx, env)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return reasoning.Response{}, ctx.Err()
	}
}

// replay makes sure the reply recorded for a completed key is on the outbound
// stream. It re-appends the stored envelope only when the recorded entry is
// gone, e.g. trimmed before the dispatcher read it.
func (p *Processor) replay(ctx context.Context, env models.Envelope, rec idempotency.Record, logger *logrus.Entry) error {
	p.metrics.IncReplayed()

	if rec.ResultRef != "" {
		exists, err := p.transport.Exists(ctx, p.cfg.OutboundStream, rec.ResultRef)
		if err != nil {
			return fmt.Errorf("check outbound %s: %w", rec.ResultRef, err)
		}
		if exists {
			logger.WithField("outbound_id", rec.ResultRef).Info("Duplicate message, reply already published")
			return nil
		}
	}

	if rec.Result == "" {
		logger.Warn("Duplicate message without a stored reply, nothing to replay")
		return nil
	}
	out, err := models.UnmarshalOutbound(rec.Result)
	if err != nil {
		logger.WithError(err).Warn("Stored reply is unreadable, nothing to replay")
		return nil
	}

	id, out, err := p.publisher.PublishOutbound(ctx, p.cfg.OutboundStream, out)
	if err != nil {
		return fmt.Errorf("replay outbound for %s: %w", env.BusinessKey, err)
	}

	rec.ResultRef = id
	if err := p.store.Complete(ctx, env.BusinessKey, rec, p.cfg.IdempotencyTTL); err != nil {
		logger.WithError(err).Warn("Failed to update completion after replay")
	}
	logger.WithFields(logrus.Fields{
		"outbound_id": id,
		"out_id":      out.OutID,
	}).Info("Replayed stored reply")
	return nil
}

// poison dead-letters an entry that cannot be decoded. It is acknowledged once
// the sink has stored it.
func (p *Processor) poison(ctx context.Context, entry stream.Entry, cause error) error {
	logger := p.logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"error":    cause.Error(),
	})

	rec := deadletter.Record{
		Stream:        p.cfg.InboundStream,
		Group:         p.cfg.Group,
		EntryID:       entry.ID,
		BusinessKey:   entry.Fields[models.FieldBusinessKey],
		CorrelationID: entry.Fields[models.FieldCorrelationID],
		Reason:        deadletter.ReasonPoison,
		Error:         cause.Error(),
		DeliveryCount: entry.DeliveryCount,
		Fields:        entry.Fields,
		FailedAt:      p.now().UTC(),
	}
	if err := p.deadLetter.Send(ctx, rec); err != nil {
		logger.WithError(err).Error("Failed to dead-letter poison entry")
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}

	p.metrics.IncSentToDLQ(deadletter.ReasonPoison)
	logger.Warn("Poison entry dead-lettered")
	return nil
}
