package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-relay/internal/channel"
	"go-relay/internal/deadletter"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"
	"go-relay/internal/stream"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrDeliveryPending is returned after a transient failure below the
	// attempt limit. The entry stays pending and is retried through reclaim.
	ErrDeliveryPending = errors.New("delivery pending retry")
	// ErrDeliveryInFlight means another dispatcher holds the delivery ledger
	// entry for the same key.
	ErrDeliveryInFlight = errors.New("delivery in flight elsewhere")
)

// State of an outbound entry as it moves through the dispatcher.
type State int

const (
	StatePending State = iota
	StateDelivering
	StateDelivered
	StateTransientFailure
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	case StateTransientFailure:
		return "transient_failure"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

type Config struct {
	OutboundStream string
	Group          string
	Owner          string
	// MaxDeliveryAttempts bounds transient retries. The entry is dead-lettered
	// when its delivery count reaches it.
	MaxDeliveryAttempts int64
	SendTimeout         time.Duration
	LedgerTTL           time.Duration
	ReservationTTL      time.Duration
}

type Deps struct {
	Transport stream.Transport
	Registry  *channel.Registry
	// Ledger records confirmed deliveries. Optional.
	Ledger     idempotency.Store
	DeadLetter deadletter.Sink
	Metrics    observability.MetricsCollector
}

// Dispatcher delivers outbound entries through the channel registry.
type Dispatcher struct {
	cfg        Config
	registry   *channel.Registry
	ledger     idempotency.Store
	deadLetter deadletter.Sink
	metrics    observability.MetricsCollector
	logger     *logrus.Logger
	consumer   *stream.Consumer
}

func New(consumerCfg stream.ConsumerConfig, cfg Config, deps Deps) *Dispatcher {
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = 24 * time.Hour
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 2 * cfg.SendTimeout
	}
	if cfg.Owner == "" {
		cfg.Owner = consumerCfg.Consumer
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = deadletter.NewLogSink()
	}
	if consumerCfg.Stream == "" {
		consumerCfg.Stream = cfg.OutboundStream
	}
	if consumerCfg.Group == "" {
		consumerCfg.Group = cfg.Group
	}
	if consumerCfg.Metrics == nil {
		consumerCfg.Metrics = deps.Metrics
	}

	d := &Dispatcher{
		cfg:        cfg,
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		logger:     observability.GetLogger(),
	}
	if deps.Transport != nil {
		d.consumer = stream.NewConsumer(deps.Transport, consumerCfg)
	}
	return d
}

// Run consumes the outbound stream until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.consumer == nil {
		return errors.New("dispatcher has no transport")
	}
	return d.consumer.Run(ctx, d.Handle)
}

// Handle is a stream.Handler for the outbound stream. It returns nil once the
// entry is delivered or dead-lettered.
func (d *Dispatcher) Handle(ctx context.Context, entry stream.Entry) error {
	out, err := models.OutboundFromFields(entry.Fields)
	if err != nil {
		return d.deadLetterEntry(ctx, entry, deadletter.ReasonInvalidPayload, err)
	}

	logger := d.logger.WithFields(logrus.Fields{
		"entry_id":       entry.ID,
		"business_key":   out.BusinessKey,
		"correlation_id": out.CorrelationID,
		"out_id":         out.OutID,
		"channel":        out.Channel,
		"attempt":        entry.DeliveryCount,
	})

	if d.ledger != nil {
		res, err := d.ledger.Reserve(ctx, out.BusinessKey, d.cfg.Owner, d.cfg.ReservationTTL)
		if err != nil {
			return fmt.Errorf("reserve delivery %s: %w", out.BusinessKey, err)
		}
		switch res.Outcome {
		case idempotency.AlreadyCompleted:
			logger.WithField("provider_id", res.Record.ResultRef).Info("Reply already delivered")
			return nil
		case idempotency.AlreadyReserved:
			logger.Info("Delivery in flight elsewhere, leaving pending")
			return ErrDeliveryInFlight
		}
	}

	sender, err := d.registry.Get(out.Channel)
	if err != nil {
		d.release(ctx, out.BusinessKey, logger)
		d.metrics.IncDeliveryFailed(out.Channel.String(), true)
		return d.deadLetterEntry(ctx, entry, deadletter.ReasonUnknownChannel, err)
	}

	logger.WithField("state", StateDelivering).Debug("Delivering reply")
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	result := sender.Send(sendCtx, out.DestinationAddress, out.ResultBody)
	cancel()
	d.metrics.ObserveProcessing("send", time.Since(start))

	switch result.Outcome {
	case channel.Delivered:
		d.metrics.IncDelivered(out.Channel.String())
		if d.ledger != nil {
			rec := idempotency.Record{
				Status:      idempotency.StatusCompleted,
				Owner:       d.cfg.Owner,
				ResultRef:   result.ProviderID,
				CompletedAt: time.Now().UTC(),
			}
			if err := d.ledger.Complete(ctx, out.BusinessKey, rec, d.cfg.LedgerTTL); err != nil {
				logger.WithError(err).Error("Failed to record delivery")
			}
		}
		logger.WithFields(logrus.Fields{
			"state":       StateDelivered,
			"provider_id": result.ProviderID,
		}).Info("Reply delivered")
		return nil

	case channel.PermanentFailure:
		d.release(ctx, out.BusinessKey, logger)
		d.metrics.IncDeliveryFailed(out.Channel.String(), true)
		logger.WithError(result.Err).Warn("Permanent delivery failure")
		return d.deadLetterEntry(ctx, entry, deadletter.ReasonPermanent, result.Err)

	default:
		d.release(ctx, out.BusinessKey, logger)
		d.metrics.IncDeliveryFailed(out.Channel.String(), false)
		if entry.DeliveryCount >= d.cfg.MaxDeliveryAttempts {
			logger.WithError(result.Err).Warn("Delivery attempts exhausted")
			return d.deadLetterEntry(ctx, entry, deadletter.ReasonMaxAttempts, result.Err)
		}
		logger.WithError(result.Err).WithField("state", StateTransientFailure).Warn("Transient delivery failure")
		return fmt.Errorf("%w: attempt %d of %d: %v", ErrDeliveryPending, entry.DeliveryCount, d.cfg.MaxDeliveryAttempts, result.Err)
	}
}

func (d *Dispatcher) release(ctx context.Context, key string, logger *logrus.Entry) {
	if d.ledger == nil || key == "" {
		return
	}
	if err := d.ledger.Release(ctx, key, d.cfg.Owner); err != nil {
		logger.WithError(err).Warn("Failed to release delivery ledger entry")
	}
}

// deadLetterEntry stores the entry in the sink. A nil return acknowledges it;
// a sink failure keeps it pending.
func (d *Dispatcher) deadLetterEntry(ctx context.Context, entry stream.Entry, reason string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	rec := deadletter.Record{
		Stream:        d.cfg.OutboundStream,
		Group:         d.cfg.Group,
		EntryID:       entry.ID,
		BusinessKey:   entry.Fields[models.FieldBusinessKey],
		CorrelationID: entry.Fields[models.FieldCorrelationID],
		Reason:        reason,
		Error:         errText,
		DeliveryCount: entry.DeliveryCount,
		Fields:        entry.Fields,
		FailedAt:      time.Now().UTC(),
	}

	logger := d.logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"reason":   reason,
		"error":    errText,
	})
	if err := d.deadLetter.Send(ctx, rec); err != nil {
		logger.WithError(err).Error("Failed to dead-letter entry")
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}

	d.metrics.IncSentToDLQ(reason)
	logger.WithField("state", StateDeadLettered).Warn("Entry dead-lettered")
	return nil
}
