// Package app wires configuration into the collaborators shared by the
// producer, worker and dispatcher processes.
package app

import (
	"context"
	"fmt"
	"time"

	"go-relay/internal/channel"
	"go-relay/internal/config"
	"go-relay/internal/deadletter"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"
	"go-relay/internal/reasoning"
	"go-relay/internal/stream"
	"go-relay/pkg/retry"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Runtime holds the process-wide collaborators built once at startup.
type Runtime struct {
	Config    *config.Config
	Logger    *zap.Logger
	Transport *stream.RedisTransport
	Metrics   *observability.PrometheusMetrics
	Health    *stream.HealthChecker
}

// Bootstrap initializes logging, connects to Redis and waits until it answers.
// An unreachable transport is returned as an error; callers exit on it.
func Bootstrap(ctx context.Context, cfg *config.Config, component string) (*Runtime, error) {
	observability.InitLogger(cfg.Log.Level, component)
	logger := observability.NewZapLogger(cfg.Log.Level).With(
		zap.String("component", component),
		zap.String("consumer", cfg.Consumer.Name),
	)

	for _, w := range cfg.Warnings() {
		observability.GetLogger().Warn(w)
	}

	transport := stream.NewRedisTransport(stream.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		MaxLen:   cfg.Redis.MaxLen,
		Logger:   logger,
	})

	health := stream.NewHealthChecker(transport, cfg.Health.MaxRetries, logger)
	if err := health.WaitReady(ctx); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("redis at %s is unreachable: %w", cfg.Redis.Addr, err)
	}

	return &Runtime{
		Config:    cfg,
		Logger:    logger,
		Transport: transport,
		Metrics:   observability.NewPrometheusMetrics(cfg.Metrics.Namespace),
		Health:    health,
	}, nil
}

// Start runs the health loop and the metrics endpoint until ctx is done.
func (r *Runtime) Start(ctx context.Context) {
	go r.Health.Loop(ctx, r.Config.Health.Interval)
	r.Metrics.ServeMetrics(ctx, r.Config.Metrics.Addr)
}

func (r *Runtime) Close() {
	if err := r.Transport.Close(); err != nil {
		r.Logger.Warn("Failed to close redis client", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

// Publisher builds a publisher that retries with the configured policy.
func (r *Runtime) Publisher(producerID string) *stream.Publisher {
	return stream.NewPublisher(r.Transport, stream.PublisherConfig{
		ProducerID: producerID,
		Policy:     PublishPolicy(r.Config.Publisher),
		Metrics:    r.Metrics,
		Logger:     r.Logger,
	})
}

// Store returns an idempotency store sharing the transport's Redis client.
func (r *Runtime) Store(prefix string) *idempotency.RedisStore {
	return idempotency.NewRedisStore(r.Transport.Client(), prefix)
}

func PublishPolicy(cfg config.PublisherConfig) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.MaxBackoff
	}
	return policy
}

// ConsumerConfig maps shared consumer settings onto one stream and group.
func ConsumerConfig(cfg *config.Config, streamName, group string, concurrency int, metrics observability.MetricsCollector, logger *zap.Logger) stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:          streamName,
		Group:           group,
		Consumer:        cfg.Consumer.Name,
		Concurrency:     concurrency,
		BatchSize:       cfg.Consumer.BatchSize,
		Block:           cfg.Consumer.ReadBlock,
		ReclaimIdle:     cfg.Consumer.ReclaimIdle,
		ReclaimInterval: cfg.Consumer.ReclaimInterval,
		ShutdownGrace:   cfg.Consumer.ShutdownGrace,
		Metrics:         metrics,
		Logger:          logger,
	}
}

// NewReasoner returns the configured reasoning backend.
func NewReasoner(cfg config.ReasonerConfig) (reasoning.Reasoner, error) {
	switch cfg.Provider {
	case "", "echo":
		return reasoning.EchoReasoner{}, nil
	case "openai":
		return reasoning.NewOpenAIReasoner(reasoning.OpenAIConfig{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Timeout:      cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown reasoner %q", cfg.Provider)
	}
}

// NewRegistry registers a sender for every channel that has credentials.
// sendTimeout bounds senders whose client takes no context.
func NewRegistry(cfg config.ChannelsConfig, sendTimeout time.Duration) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	logger := observability.GetLogger()

	if cfg.TwilioAccountSID != "" {
		sender, err := channel.NewWhatsAppSender(channel.WhatsAppConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioWhatsAppFrom,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(sender); err != nil {
			return nil, err
		}
	}

	if cfg.TelegramToken != "" {
		sender, err := channel.NewTelegramSender(cfg.TelegramToken, sendTimeout)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(sender); err != nil {
			return nil, err
		}
	}

	if cfg.DiscordToken != "" {
		sender, err := channel.NewDiscordSender(cfg.DiscordToken)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(sender); err != nil {
			return nil, err
		}
	}

	if cfg.SMTPHost != "" {
		sender, err := channel.NewEmailSender(channel.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Subject:  cfg.SMTPSubject,
			TLS:      cfg.SMTPTLS,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(sender); err != nil {
			return nil, err
		}
	}

	if cfg.EnableLog {
		if err := registry.Register(channel.NewLogSender()); err != nil {
			return nil, err
		}
	}

	logger.WithField("channels", registry.Channels()).Info("Channel senders registered")
	return registry, nil
}

// NewDeadLetterSink builds the sink selected by DEAD_LETTER_SINK.
func NewDeadLetterSink(ctx context.Context, cfg *config.Config, transport stream.Transport) (deadletter.Sink, error) {
	sink, err := deadletter.New(ctx, deadletter.Options{
		Kind:      cfg.DeadLetter.Sink,
		Transport: transport,
		Stream:    cfg.Streams.DeadLetter,
		Kafka: deadletter.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.DeadLetter.KafkaTopic,
			Acks:    cfg.KafkaAcks(),
		},
		PostgresDSN: cfg.DeadLetter.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("dead-letter sink: %w", err)
	}
	observability.WithFields(logrus.Fields{
		"sink": cfg.DeadLetter.Sink,
	}).Info("Dead-letter sink ready")
	return sink, nil
}
