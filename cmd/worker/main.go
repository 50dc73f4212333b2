package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-relay/internal/app"
	"go-relay/internal/config"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"
	"go-relay/internal/worker"

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
	rt, err := app.Bootstrap(startCtx, cfg, "worker")
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to start worker")
	}
	defer rt.Close()

	reasoner, err := app.NewReasoner(cfg.Reasoner)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build reasoner")
	}

	sink, err := app.NewDeadLetterSink(ctx, cfg, rt.Transport)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build dead-letter sink")
	}
	defer sink.Close()

	w := worker.New(
		app.ConsumerConfig(cfg, cfg.Streams.Inbound, cfg.Worker.Group, cfg.Worker.Concurrency, rt.Metrics, rt.Logger),
		worker.Config{
			InboundStream:  cfg.Streams.Inbound,
			OutboundStream: cfg.Streams.Outbound,
			Group:          cfg.Worker.Group,
			Owner:          cfg.Consumer.Name,
			MessageTimeout: cfg.Worker.MessageTimeout,
			IdempotencyTTL: cfg.Idempotency.TTL,
			ReservationTTL: cfg.Idempotency.ReservationTTL,
			FallbackReply:  cfg.Worker.FallbackReply,
		},
		worker.Deps{
			Transport:  rt.Transport,
			Store:      rt.Store(idempotency.PrefixProcessed),
			Reasoner:   reasoner,
			Publisher:  rt.Publisher(cfg.Consumer.Name),
			DeadLetter: sink,
			Metrics:    rt.Metrics,
		},
	)

	rt.Start(ctx)

	logger.WithFields(logrus.Fields{
		"stream":      cfg.Streams.Inbound,
		"group":       cfg.Worker.Group,
		"consumer":    cfg.Consumer.Name,
		"concurrency": cfg.Worker.Concurrency,
	}).Info("Worker started")

	if err := w.Run(ctx); err != nil {
		logger.WithError(err).Error("Worker stopped with error")
		return
	}
	logger.Info("Worker stopped")
}
