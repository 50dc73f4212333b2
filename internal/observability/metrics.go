package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector provides hooks for pipeline metrics collection.
// InMemoryMetrics backs tests, PrometheusMetrics backs the processes.
type MetricsCollector interface {
	IncPublished(stream string)
	IncPublishFailed(stream string)
	IncReceived(stream string)
	IncProcessed(stream string)
	IncReplayed()
	IncFailed(stream string)
	IncReasoningFailed()
	IncDelivered(channel string)
	IncDeliveryFailed(channel string, permanent bool)
	IncSentToDLQ(reason string)
	IncReclaimed(stream string, n int)
	ObserveInboundLag(d time.Duration)
	ObserveProcessing(stage string, d time.Duration)
	SetInFlight(stream string, n int)
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Published         atomic.Int64
	PublishFailed     atomic.Int64
	Received          atomic.Int64
	Processed         atomic.Int64
	Replayed          atomic.Int64
	Failed            atomic.Int64
	ReasoningFailed   atomic.Int64
	Delivered         atomic.Int64
	DeliveryFailed    atomic.Int64
	PermanentFailures atomic.Int64
	SentToDLQ         atomic.Int64
	Reclaimed         atomic.Int64
	MaxInFlight       atomic.Int64

	mu         sync.Mutex
	dlqReasons map[string]int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{dlqReasons: make(map[string]int64)}
}

func (m *InMemoryMetrics) IncPublished(string) {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed(string) {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived(string) {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncProcessed(string) {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncReplayed() {
	m.Replayed.Add(1)
}

func (m *InMemoryMetrics) IncFailed(string) {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) IncReasoningFailed() {
	m.ReasoningFailed.Add(1)
}

func (m *InMemoryMetrics) IncDelivered(string) {
	m.Delivered.Add(1)
}

func (m *InMemoryMetrics) IncDeliveryFailed(_ string, permanent bool) {
	m.DeliveryFailed.Add(1)
	if permanent {
		m.PermanentFailures.Add(1)
	}
}

func (m *InMemoryMetrics) IncSentToDLQ(reason string) {
	m.SentToDLQ.Add(1)
	m.mu.Lock()
	m.dlqReasons[reason]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncReclaimed(_ string, n int) {
	m.Reclaimed.Add(int64(n))
}

func (m *InMemoryMetrics) ObserveInboundLag(time.Duration) {}

func (m *InMemoryMetrics) ObserveProcessing(string, time.Duration) {}

func (m *InMemoryMetrics) SetInFlight(_ string, n int) {
	for {
		cur := m.MaxInFlight.Load()
		if int64(n) <= cur || m.MaxInFlight.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetReplayed() int64 {
	return m.Replayed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

func (m *InMemoryMetrics) GetReasoningFailed() int64 {
	return m.ReasoningFailed.Load()
}

func (m *InMemoryMetrics) GetDelivered() int64 {
	return m.Delivered.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetDLQReason(reason string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dlqReasons[reason]
}
