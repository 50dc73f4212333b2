package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONSUMER_NAME", "worker-a")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "inbound_messages", cfg.Streams.Inbound)
	assert.Equal(t, "outbound_messages", cfg.Streams.Outbound)
	assert.Equal(t, "reasoning_workers", cfg.Worker.Group)
	assert.Equal(t, "outbound_dispatchers", cfg.Dispatcher.Group)
	assert.Equal(t, "worker-a", cfg.Consumer.Name)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Worker.MessageTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Idempotency.ReservationTTL)
	assert.Equal(t, 120*time.Second, cfg.Consumer.ReclaimIdle)
	assert.Equal(t, int64(5), cfg.Dispatcher.MaxDeliveryAttempts)
	assert.Equal(t, "stream", cfg.DeadLetter.Sink)
	assert.Equal(t, "echo", cfg.Reasoner.Provider)
	assert.True(t, cfg.Dispatcher.Ledger)
	assert.Empty(t, cfg.Warnings())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "3")
	t.Setenv("MESSAGE_TIMEOUT", "10s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("DEAD_LETTER_SINK", "Kafka")
	t.Setenv("KAFKA_ACKS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Worker.MessageTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "kafka", cfg.DeadLetter.Sink)
	assert.Equal(t, 1, cfg.KafkaAcks())
	assert.NotEmpty(t, cfg.Consumer.Name)
}

func TestLoad_YAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := `
worker:
  concurrency: 4
  message_timeout: 20s
dispatcher:
  concurrency: 6
dead_letter:
  sink: log
streams:
  inbound: in
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RELAY_CONFIG", path)
	t.Setenv("DISPATCHER_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 20*time.Second, cfg.Worker.MessageTimeout)
	assert.Equal(t, 2, cfg.Dispatcher.Concurrency)
	assert.Equal(t, "log", cfg.DeadLetter.Sink)
	assert.Equal(t, "in", cfg.Streams.Inbound)
	assert.Equal(t, "outbound_messages", cfg.Streams.Outbound)
}

func TestLoad_ZeroHealthIntervalRejected(t *testing.T) {
	t.Setenv("HEALTH_CHECK_INTERVAL", "0s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEALTH_CHECK_INTERVAL")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidIsRejected(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func validConfig() *Config {
	return &Config{
		Consumer: ConsumerConfig{
			Name:            "c1",
			BatchSize:       10,
			ReclaimIdle:     2 * time.Minute,
			ReclaimInterval: 30 * time.Second,
			ShutdownGrace:   90 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:    10,
			MessageTimeout: time.Minute,
			FallbackReply:  "sorry",
		},
		Dispatcher:  DispatcherConfig{Concurrency: 10, MaxDeliveryAttempts: 5},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour, ReservationTTL: 5 * time.Minute},
		DeadLetter:  DeadLetterConfig{Sink: "stream"},
		Reasoner:    ReasonerConfig{Provider: "echo"},
		Health:      HealthConfig{Interval: 30 * time.Second, MaxRetries: 5},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero worker concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "zero dispatcher concurrency", mutate: func(c *Config) { c.Dispatcher.Concurrency = 0 }, wantErr: "DISPATCHER_CONCURRENCY"},
		{name: "reclaim idle below timeout", mutate: func(c *Config) { c.Consumer.ReclaimIdle = 30 * time.Second }, wantErr: "RECLAIM_IDLE_THRESHOLD"},
		{name: "reservation below timeout", mutate: func(c *Config) { c.Idempotency.ReservationTTL = 30 * time.Second }, wantErr: "RESERVATION_TTL"},
		{name: "ttl below reservation", mutate: func(c *Config) { c.Idempotency.TTL = 4 * time.Minute }, wantErr: "IDEMPOTENCY_TTL"},
		{name: "zero attempts", mutate: func(c *Config) { c.Dispatcher.MaxDeliveryAttempts = 0 }, wantErr: "MAX_DELIVERY_ATTEMPTS"},
		{name: "empty fallback", mutate: func(c *Config) { c.Worker.FallbackReply = " " }, wantErr: "FALLBACK_REPLY"},
		{name: "unknown sink", mutate: func(c *Config) { c.DeadLetter.Sink = "s3" }, wantErr: "DEAD_LETTER_SINK"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DeadLetter.Sink = "postgres" }, wantErr: "DEAD_LETTER_POSTGRES_DSN"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.DeadLetter.Sink = "kafka" }, wantErr: "KAFKA_BROKERS"},
		{name: "zero health interval", mutate: func(c *Config) { c.Health.Interval = 0 }, wantErr: "HEALTH_CHECK_INTERVAL"},
		{name: "negative health retries", mutate: func(c *Config) { c.Health.MaxRetries = -1 }, wantErr: "HEALTH_MAX_RETRIES"},
		{name: "unknown reasoner", mutate: func(c *Config) { c.Reasoner.Provider = "oracle" }, wantErr: "REASONER"},
		{name: "openai without model", mutate: func(c *Config) { c.Reasoner.Provider = "openai" }, wantErr: "OPENAI_MODEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg := validConfig()
	cfg.Idempotency.TTL = 6 * time.Minute
	cfg.Consumer.ShutdownGrace = 10 * time.Second

	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "IDEMPOTENCY_TTL")
	assert.Contains(t, warnings[1], "SHUTDOWN_GRACE")
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
}

func TestParseAcks(t *testing.T) {
	assert.Equal(t, -1, parseAcks("all"))
	assert.Equal(t, -1, parseAcks("-1"))
	assert.Equal(t, 1, parseAcks("1"))
	assert.Equal(t, -1, parseAcks("bogus"))
}
