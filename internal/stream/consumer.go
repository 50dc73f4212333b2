package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-relay/internal/observability"

	"go.uber.org/zap"
)

// abandonWait bounds how long Run waits for handlers after cancelling them.
const abandonWait = time.Second

// Handler processes one entry. A nil return acknowledges the entry; any error
// leaves it pending for redelivery through reclaim.
type Handler func(ctx context.Context, entry Entry) error

type ConsumerConfig struct {
	Stream      string
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int64
	Block       time.Duration
	// ReclaimIdle is how long an entry must sit unacked before it is claimed.
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
	ShutdownGrace   time.Duration
	Metrics         observability.MetricsCollector
	Logger          *zap.Logger
}

var ErrHandlerPanic = errors.New("handler panic")

// Consumer reads a stream through a consumer group and runs a Handler on a
// fixed pool of workers. At most Concurrency entries are in flight.
type Consumer struct {
	transport Transport
	cfg       ConsumerConfig
	logger    *zap.Logger
	metrics   observability.MetricsCollector

	slots    chan struct{}
	active   sync.Map
	inFlight atomic.Int64
}

func NewConsumer(transport Transport, cfg ConsumerConfig) *Consumer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = int64(cfg.Concurrency)
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Consumer{
		transport: transport,
		cfg:       cfg,
		logger: cfg.Logger.With(
			zap.String("stream", cfg.Stream),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer),
		),
		metrics: cfg.Metrics,
		slots:   make(chan struct{}, cfg.Concurrency),
	}
}

// Run blocks until ctx is cancelled. In-flight entries then get ShutdownGrace
// to finish on an uncancelled context before they are abandoned.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.transport.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	c.logger.Info("Starting consumer", zap.Int("workers", c.cfg.Concurrency))

	procCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	queue := make(chan Entry, c.cfg.Concurrency)

	var workers sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			for entry := range queue {
				c.process(procCtx, entry, handler, id)
			}
		}(i)
	}

	c.fetcher(ctx, queue)
	close(queue)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Consumer stopped")
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("Shutdown grace elapsed, abandoning in-flight entries",
			zap.Int64("in_flight", c.inFlight.Load()),
		)
		abandon()
		select {
		case <-done:
		case <-time.After(abandonWait):
			c.logger.Error("Handlers ignored cancellation, exiting without them",
				zap.Int64("in_flight", c.inFlight.Load()),
			)
		}
	}
	return nil
}

// fetcher reads only as many entries as there are free worker slots. Every
// ReclaimInterval the free slots are first offered to idle pending entries.
func (c *Consumer) fetcher(ctx context.Context, queue chan<- Entry) {
	var lastReclaim time.Time
	failures := 0
	for {
		n := c.acquire(ctx, int(c.cfg.BatchSize))
		if n == 0 {
			c.logger.Info("Fetcher stopping due to context cancellation")
			return
		}

		if c.cfg.ReclaimInterval > 0 && time.Since(lastReclaim) >= c.cfg.ReclaimInterval {
			lastReclaim = time.Now()
			claimed, err := c.reclaim(ctx, n)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("Reclaim pass failed", zap.Error(err))
			}
			c.enqueue(queue, claimed)
			n -= len(claimed)
			if n == 0 {
				continue
			}
		}

		entries, err := c.transport.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, int64(n), c.cfg.Block)
		if err != nil {
			c.release(n)
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Error("Failed to read from stream", zap.Error(err), zap.Int("failures", failures))
			if !sleepCtx(ctx, readBackoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		c.release(n - len(entries))
		for range entries {
			c.metrics.IncReceived(c.cfg.Stream)
		}
		c.enqueue(queue, entries)
	}
}

func (c *Consumer) enqueue(queue chan<- Entry, entries []Entry) {
	for _, entry := range entries {
		c.active.Store(entry.ID, struct{}{})
		queue <- entry
	}
}

// reclaim claims up to n entries that this or another consumer left pending
// for longer than ReclaimIdle. Entries currently being processed here are
// skipped.
func (c *Consumer) reclaim(ctx context.Context, n int) ([]Entry, error) {
	pending, err := c.transport.Pending(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ReclaimIdle, int64(n+c.cfg.Concurrency))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, n)
	for _, p := range pending {
		if _, busy := c.active.Load(p.ID); busy {
			continue
		}
		ids = append(ids, p.ID)
		if len(ids) == n {
			break
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	entries, err := c.transport.Claim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.ReclaimIdle, ids...)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		c.metrics.IncReclaimed(c.cfg.Stream, len(entries))
		c.logger.Info("Reclaimed idle entries", zap.Int("count", len(entries)))
	}
	return entries, nil
}

func (c *Consumer) process(ctx context.Context, entry Entry, handler Handler, workerID int) {
	defer c.release(1)
	defer c.active.Delete(entry.ID)

	c.metrics.SetInFlight(c.cfg.Stream, int(c.inFlight.Add(1)))
	defer func() {
		c.metrics.SetInFlight(c.cfg.Stream, int(c.inFlight.Add(-1)))
	}()

	logger := c.logger.With(
		zap.String("entry_id", entry.ID),
		zap.Int64("delivery_count", entry.DeliveryCount),
		zap.Int("worker_id", workerID),
	)

	start := time.Now()
	err := c.safeHandle(ctx, entry, handler)
	c.metrics.ObserveProcessing(c.cfg.Stream, time.Since(start))
	if err != nil {
		c.metrics.IncFailed(c.cfg.Stream)
		logger.Warn("Entry left pending", zap.Error(err))
		return
	}

	if err := c.transport.Ack(ctx, c.cfg.Stream, c.cfg.Group, entry.ID); err != nil {
		logger.Error("Failed to ack entry", zap.Error(err))
		return
	}
	c.metrics.IncProcessed(c.cfg.Stream)
	logger.Debug("Entry acknowledged", zap.Duration("duration", time.Since(start)))
}

// safeHandle turns a handler panic into an error so the entry stays pending.
func (c *Consumer) safeHandle(ctx context.Context, entry Entry, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, entry)
}

// acquire blocks for one slot, then takes up to max-1 more without waiting.
func (c *Consumer) acquire(ctx context.Context, max int) int {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return 0
	}
	return 1 + c.tryAcquire(max-1)
}

func (c *Consumer) tryAcquire(max int) int {
	n := 0
	for n < max {
		select {
		case c.slots <- struct{}{}:
			n++
		default:
			return n
		}
	}
	return n
}

func (c *Consumer) release(n int) {
	for i := 0; i < n; i++ {
		<-c.slots
	}
}

func readBackoff(failures int) time.Duration {
	d := time.Duration(failures) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
