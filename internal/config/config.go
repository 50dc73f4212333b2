package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-relay/internal/deadletter"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Streams     StreamsConfig     `yaml:"streams"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Worker      WorkerConfig      `yaml:"worker"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Reasoner    ReasonerConfig    `yaml:"reasoner"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Health      HealthConfig      `yaml:"health"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	// MaxLen trims streams approximately on append. Zero disables trimming.
	MaxLen int64 `yaml:"stream_max_len" env:"STREAM_MAX_LEN" env-default:"0"`
}

type StreamsConfig struct {
	Inbound    string `yaml:"inbound" env:"INBOUND_STREAM_NAME" env-default:"inbound_messages"`
	Outbound   string `yaml:"outbound" env:"OUTBOUND_STREAM_NAME" env-default:"outbound_messages"`
	DeadLetter string `yaml:"dead_letter" env:"DEAD_LETTER_STREAM_NAME" env-default:"dead_letters"`
}

type ConsumerConfig struct {
	Name            string        `yaml:"name" env:"CONSUMER_NAME"`
	ReadBlock       time.Duration `yaml:"read_block_timeout" env:"READ_BLOCK_TIMEOUT" env-default:"5s"`
	BatchSize       int64         `yaml:"read_batch_size" env:"READ_BATCH_SIZE" env-default:"10"`
	ReclaimIdle     time.Duration `yaml:"reclaim_idle_threshold" env:"RECLAIM_IDLE_THRESHOLD" env-default:"120s"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval" env:"RECLAIM_INTERVAL" env-default:"30s"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" env-default:"90s"`
}

type WorkerConfig struct {
	Group          string        `yaml:"group" env:"CONSUMER_GROUP_NAME" env-default:"reasoning_workers"`
	Concurrency    int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"10"`
	MessageTimeout time.Duration `yaml:"message_timeout" env:"MESSAGE_TIMEOUT" env-default:"60s"`
	FallbackReply  string        `yaml:"fallback_reply" env:"FALLBACK_REPLY" env-default:"Sorry, something went wrong while handling your message. Please try again later."`
}

type DispatcherConfig struct {
	Group               string        `yaml:"group" env:"DISPATCHER_GROUP_NAME" env-default:"outbound_dispatchers"`
	Concurrency         int           `yaml:"concurrency" env:"DISPATCHER_CONCURRENCY" env-default:"10"`
	MaxDeliveryAttempts int64         `yaml:"max_delivery_attempts" env:"MAX_DELIVERY_ATTEMPTS" env-default:"5"`
	SendTimeout         time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT" env-default:"30s"`
	Ledger              bool          `yaml:"delivery_ledger" env:"DELIVERY_LEDGER" env-default:"true"`
}

type IdempotencyConfig struct {
	TTL            time.Duration `yaml:"ttl" env:"IDEMPOTENCY_TTL" env-default:"24h"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" env:"RESERVATION_TTL" env-default:"5m"`
}

type PublisherConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"PUBLISH_MAX_RETRIES" env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"PUBLISH_INITIAL_BACKOFF" env-default:"100ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"PUBLISH_MAX_BACKOFF" env-default:"5s"`
}

type DeadLetterConfig struct {
	Sink        string `yaml:"sink" env:"DEAD_LETTER_SINK" env-default:"stream"`
	KafkaTopic  string `yaml:"kafka_topic" env:"DEAD_LETTER_KAFKA_TOPIC" env-default:"relay-dead-letters"`
	PostgresDSN string `yaml:"postgres_dsn" env:"DEAD_LETTER_POSTGRES_DSN"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Acks    string   `yaml:"acks" env:"KAFKA_ACKS" env-default:"all"`
}

type ReasonerConfig struct {
	Provider     string        `yaml:"provider" env:"REASONER" env-default:"echo"`
	BaseURL      string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	APIKey       string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model        string        `yaml:"model" env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	SystemPrompt string        `yaml:"system_prompt" env:"OPENAI_SYSTEM_PROMPT"`
	MaxTokens    int           `yaml:"max_tokens" env:"OPENAI_MAX_TOKENS" env-default:"512"`
	Timeout      time.Duration `yaml:"timeout" env:"OPENAI_TIMEOUT" env-default:"0s"`
}

type ChannelsConfig struct {
	TwilioAccountSID   string `yaml:"twilio_account_sid" env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `yaml:"twilio_auth_token" env:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom string `yaml:"twilio_whatsapp_from" env:"TWILIO_WHATSAPP_FROM"`
	TelegramToken      string `yaml:"telegram_token" env:"TELEGRAM_BOT_TOKEN"`
	DiscordToken       string `yaml:"discord_token" env:"DISCORD_BOT_TOKEN"`
	SMTPHost           string `yaml:"smtp_host" env:"SMTP_HOST"`
	SMTPPort           int    `yaml:"smtp_port" env:"SMTP_PORT" env-default:"587"`
	SMTPUsername       string `yaml:"smtp_username" env:"SMTP_USERNAME"`
	SMTPPassword       string `yaml:"smtp_password" env:"SMTP_PASSWORD"`
	SMTPFrom           string `yaml:"smtp_from" env:"SMTP_FROM"`
	SMTPSubject        string `yaml:"smtp_subject" env:"SMTP_SUBJECT"`
	SMTPTLS            bool   `yaml:"smtp_tls" env:"SMTP_TLS" env-default:"true"`
	EnableLog          bool   `yaml:"enable_log" env:"ENABLE_LOG_CHANNEL" env-default:"true"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr" env:"METRICS_ADDR" env-default:":9090"`
	Namespace string `yaml:"namespace" env:"METRICS_NAMESPACE" env-default:"relay"`
}

type HealthConfig struct {
	Interval   time.Duration `yaml:"interval" env:"HEALTH_CHECK_INTERVAL" env-default:"30s"`
	MaxRetries int           `yaml:"max_retries" env:"HEALTH_MAX_RETRIES" env-default:"5"`
}

// Load reads .env if present, then the YAML file named by RELAY_CONFIG if
// set, then the environment. Environment variables win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := getEnv("RELAY_CONFIG", ""); path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Kafka.Brokers = parseList(strings.Join(c.Kafka.Brokers, ","))
	c.DeadLetter.Sink = strings.ToLower(strings.TrimSpace(c.DeadLetter.Sink))
	c.Reasoner.Provider = strings.ToLower(strings.TrimSpace(c.Reasoner.Provider))
	if c.Consumer.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relay"
		}
		c.Consumer.Name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
}

// Validate rejects settings that break delivery guarantees.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency))
	}
	if c.Dispatcher.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("DISPATCHER_CONCURRENCY must be at least 1, got %d", c.Dispatcher.Concurrency))
	}
	if c.Worker.MessageTimeout <= 0 {
		errs = append(errs, errors.New("MESSAGE_TIMEOUT must be positive"))
	}
	if c.Consumer.ReclaimIdle <= c.Worker.MessageTimeout {
		errs = append(errs, fmt.Errorf("RECLAIM_IDLE_THRESHOLD (%s) must exceed MESSAGE_TIMEOUT (%s)", c.Consumer.ReclaimIdle, c.Worker.MessageTimeout))
	}
	if c.Consumer.ReclaimInterval <= 0 {
		errs = append(errs, errors.New("RECLAIM_INTERVAL must be positive"))
	}
	if c.Idempotency.ReservationTTL <= c.Worker.MessageTimeout {
		errs = append(errs, fmt.Errorf("RESERVATION_TTL (%s) must exceed MESSAGE_TIMEOUT (%s)", c.Idempotency.ReservationTTL, c.Worker.MessageTimeout))
	}
	if c.Idempotency.TTL <= c.Idempotency.ReservationTTL {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL (%s) must exceed RESERVATION_TTL (%s)", c.Idempotency.TTL, c.Idempotency.ReservationTTL))
	}
	if c.Dispatcher.MaxDeliveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1, got %d", c.Dispatcher.MaxDeliveryAttempts))
	}
	if c.Consumer.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("READ_BATCH_SIZE must be at least 1, got %d", c.Consumer.BatchSize))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("HEALTH_CHECK_INTERVAL must be positive"))
	}
	if c.Health.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("HEALTH_MAX_RETRIES must not be negative, got %d", c.Health.MaxRetries))
	}
	if strings.TrimSpace(c.Worker.FallbackReply) == "" {
		errs = append(errs, errors.New("FALLBACK_REPLY must not be empty"))
	}

	switch c.DeadLetter.Sink {
	case deadletter.KindKafka:
		if len(c.Kafka.Brokers) == 0 || c.DeadLetter.KafkaTopic == "" {
			errs = append(errs, errors.New("kafka dead-letter sink needs KAFKA_BROKERS and DEAD_LETTER_KAFKA_TOPIC"))
		}
	case deadletter.KindPostgres:
		if c.DeadLetter.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dead-letter sink needs DEAD_LETTER_POSTGRES_DSN"))
		}
	default:
		if !deadletter.KnownKind(c.DeadLetter.Sink) {
			errs = append(errs, fmt.Errorf("unknown DEAD_LETTER_SINK %q", c.DeadLetter.Sink))
		}
	}

	switch c.Reasoner.Provider {
	case "echo":
	case "openai":
		if c.Reasoner.Model == "" {
			errs = append(errs, errors.New("openai reasoner needs OPENAI_MODEL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REASONER %q", c.Reasoner.Provider))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but risky.
func (c *Config) Warnings() []string {
	var warnings []string
	// a key that expires before a redelivery arrives is processed twice
	worstCase := c.Consumer.ReclaimIdle*time.Duration(c.Dispatcher.MaxDeliveryAttempts) + c.Worker.MessageTimeout
	if c.Idempotency.TTL < worstCase {
		warnings = append(warnings, fmt.Sprintf(
			"IDEMPOTENCY_TTL (%s) is below the estimated worst-case end-to-end latency (%s); redelivered messages may be processed twice",
			c.Idempotency.TTL, worstCase))
	}
	if c.Consumer.ShutdownGrace < c.Worker.MessageTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"SHUTDOWN_GRACE (%s) is shorter than MESSAGE_TIMEOUT (%s); in-flight messages may be abandoned on shutdown",
			c.Consumer.ShutdownGrace, c.Worker.MessageTimeout))
	}
	if c.Reasoner.Provider == "openai" && c.Reasoner.APIKey == "" && c.Reasoner.BaseURL == "" {
		warnings = append(warnings, "OPENAI_API_KEY is empty")
	}
	return warnings
}

// KafkaAcks maps KAFKA_ACKS to kafka-go RequiredAcks values.
func (c *Config) KafkaAcks() int {
	return parseAcks(c.Kafka.Acks)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(strings.TrimSpace(acks)) {
	case "all", "-1":
		return -1
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}
