package stream

import (
	"context"
	"fmt"
	"time"

	"go-relay/pkg/retry"

	"go.uber.org/zap"
)

// HealthChecker pings the transport on an interval and backs off while it
// stays unreachable.
type HealthChecker struct {
	transport  Transport
	logger     *zap.Logger
	maxRetries int
	policy     retry.Policy
}

func NewHealthChecker(transport Transport, maxRetries int, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		transport:  transport,
		logger:     logger,
		maxRetries: maxRetries,
		policy: retry.Policy{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2,
		},
	}
}

// WaitReady pings until the transport answers or maxRetries pings failed.
func (h *HealthChecker) WaitReady(ctx context.Context) error {
	err := h.transport.Ping(ctx)
	if err == nil {
		return nil
	}
	h.logger.Warn("Transport not ready", zap.Error(err))
	return h.reconnectWithBackoff(ctx)
}

// Loop runs health checks until ctx is done.
func (h *HealthChecker) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := h.transport.Ping(ctx); err != nil {
				h.logger.Warn("Health check failed, waiting for transport", zap.Error(err))
				if err := h.reconnectWithBackoff(ctx); err != nil {
					h.logger.Error("Transport still unreachable", zap.Error(err))
				}
			}
		}
	}
}

func (h *HealthChecker) reconnectWithBackoff(ctx context.Context) error {
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		backoff := h.policy.Backoff(attempt)
		h.logger.Info("Attempting reconnection",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err := h.transport.Ping(ctx); err != nil {
			h.logger.Warn("Reconnection attempt failed", zap.Error(err))
			continue
		}
		h.logger.Info("Reconnection successful")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", h.maxRetries)
}
