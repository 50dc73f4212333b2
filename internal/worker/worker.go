package worker

import (
	"context"

	"go-relay/internal/stream"
)

// Worker consumes the inbound stream through a consumer group and runs a
// Processor on a bounded pool.
type Worker struct {
	consumer  *stream.Consumer
	processor *Processor
}

func New(consumerCfg stream.ConsumerConfig, cfg Config, deps Deps) *Worker {
	if consumerCfg.Stream == "" {
		consumerCfg.Stream = cfg.InboundStream
	}
	if consumerCfg.Group == "" {
		consumerCfg.Group = cfg.Group
	}
	if cfg.Owner == "" {
		cfg.Owner = consumerCfg.Consumer
	}
	if consumerCfg.Metrics == nil {
		consumerCfg.Metrics = deps.Metrics
	}

	return &Worker{
		consumer:  stream.NewConsumer(deps.Transport, consumerCfg),
		processor: NewProcessor(cfg, deps),
	}
}

// Run blocks until ctx is cancelled and in-flight entries are drained.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.processor.Process)
}
