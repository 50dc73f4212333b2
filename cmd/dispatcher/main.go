package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-relay/internal/app"
	"go-relay/internal/config"
	"go-relay/internal/dispatcher"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := observability.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	rt, err := app.Bootstrap(startCtx, cfg, "dispatcher")
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to start dispatcher")
	}
	defer rt.Close()

	registry, err := app.NewRegistry(cfg.Channels, cfg.Dispatcher.SendTimeout)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build channel senders")
	}

	sink, err := app.NewDeadLetterSink(ctx, cfg, rt.Transport)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build dead-letter sink")
	}
	defer sink.Close()

	deps := dispatcher.Deps{
		Transport:  rt.Transport,
		Registry:   registry,
		DeadLetter: sink,
		Metrics:    rt.Metrics,
	}
	if cfg.Dispatcher.Ledger {
		deps.Ledger = rt.Store(idempotency.PrefixDelivered)
	}

	d := dispatcher.New(
		app.ConsumerConfig(cfg, cfg.Streams.Outbound, cfg.Dispatcher.Group, cfg.Dispatcher.Concurrency, rt.Metrics, rt.Logger),
		dispatcher.Config{
			OutboundStream:      cfg.Streams.Outbound,
			Group:               cfg.Dispatcher.Group,
			Owner:               cfg.Consumer.Name,
			MaxDeliveryAttempts: cfg.Dispatcher.MaxDeliveryAttempts,
			SendTimeout:         cfg.Dispatcher.SendTimeout,
			LedgerTTL:           cfg.Idempotency.TTL,
			ReservationTTL:      cfg.Idempotency.ReservationTTL,
		},
		deps,
	)

	rt.Start(ctx)

	logger.WithFields(logrus.Fields{
		"stream":       cfg.Streams.Outbound,
		"group":        cfg.Dispatcher.Group,
		"consumer":     cfg.Consumer.Name,
		"concurrency":  cfg.Dispatcher.Concurrency,
		"max_attempts": cfg.Dispatcher.MaxDeliveryAttempts,
	}).Info("Dispatcher started")

	if err := d.Run(ctx); err != nil {
		logger.WithError(err).Error("Dispatcher stopped with error")
		return
	}
	logger.Info("Dispatcher stopped")
}
