package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements MetricsCollector on a dedicated registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	published      *prometheus.CounterVec
	publishFailed  *prometheus.CounterVec
	received       *prometheus.CounterVec
	processed      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	replayed       prometheus.Counter
	reasonFailed   prometheus.Counter
	delivered      *prometheus.CounterVec
	deliveryFailed *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	reclaimed      *prometheus.CounterVec
	inboundLag     prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	m := &PrometheusMetrics{
		registry: reg,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_published_total",
			Help:      "Entries appended to a stream",
		}, []string{"stream"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_publish_errors_total",
			Help:      "Failed stream appends after retries",
		}, []string{"stream"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_received_total",
			Help:      "Entries read from a consumer group",
		}, []string{"stream"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_processed_total",
			Help:      "Entries processed and acknowledged",
		}, []string{"stream"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_failed_total",
			Help:      "Entries left pending after a transient failure",
		}, []string{"stream"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_replayed_total",
			Help:      "Inbound entries answered from a completed idempotency record",
		}),
		reasonFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_reasoning_failures_total",
			Help:      "Reasoner errors and timeouts turned into error replies",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_delivered_total",
			Help:      "Outbound entries confirmed by a channel sender",
		}, []string{"channel"}),
		deliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_delivery_failures_total",
			Help:      "Failed delivery attempts",
		}, []string{"channel", "permanent"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Entries removed from the retry path",
		}, []string{"reason"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reclaimed_total",
			Help:      "Pending entries claimed from idle consumers",
		}, []string{"stream"}),
		inboundLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_inbound_lag_seconds",
			Help:      "Time between ingress and worker pickup",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 60},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Entries currently being processed",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.published, m.publishFailed, m.received, m.processed, m.failed,
		m.replayed, m.reasonFailed, m.delivered, m.deliveryFailed,
		m.deadLettered, m.reclaimed, m.inboundLag, m.stageDuration, m.inFlight,
	)
	return m
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) IncPublished(stream string) {
	m.published.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncPublishFailed(stream string) {
	m.publishFailed.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncReceived(stream string) {
	m.received.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncProcessed(stream string) {
	m.processed.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncReplayed() {
	m.replayed.Inc()
}

func (m *PrometheusMetrics) IncFailed(stream string) {
	m.failed.WithLabelValues(stream).Inc()
}

func (m *PrometheusMetrics) IncReasoningFailed() {
	m.reasonFailed.Inc()
}

func (m *PrometheusMetrics) IncDelivered(channel string) {
	m.delivered.WithLabelValues(channel).Inc()
}

func (m *PrometheusMetrics) IncDeliveryFailed(channel string, permanent bool) {
	m.deliveryFailed.WithLabelValues(channel, strconv.FormatBool(permanent)).Inc()
}

func (m *PrometheusMetrics) IncSentToDLQ(reason string) {
	m.deadLettered.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) IncReclaimed(stream string, n int) {
	m.reclaimed.WithLabelValues(stream).Add(float64(n))
}

func (m *PrometheusMetrics) ObserveInboundLag(d time.Duration) {
	m.inboundLag.Observe(d.Seconds())
}

func (m *PrometheusMetrics) ObserveProcessing(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PrometheusMetrics) SetInFlight(stream string, n int) {
	m.inFlight.WithLabelValues(stream).Set(float64(n))
}

// ServeMetrics exposes the registry on addr until ctx is done. An empty addr
// disables the endpoint.
func (m *PrometheusMetrics) ServeMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.WithField("addr", addr).Info("Metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}
