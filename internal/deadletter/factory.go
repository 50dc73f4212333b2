package deadletter

import (
	"context"
	"fmt"

	"go-relay/internal/stream"
)

// Options selects and configures a sink. Only the fields of the chosen Kind
// are read.
type Options struct {
	Kind        string
	Transport   stream.Transport
	Stream      string
	Kafka       KafkaConfig
	PostgresDSN string
}

// New builds the sink named by opts.Kind.
func New(ctx context.Context, opts Options) (Sink, error) {
	switch opts.Kind {
	case KindStream, "":
		if opts.Transport == nil {
			return nil, fmt.Errorf("stream dead-letter sink requires a transport")
		}
		name := opts.Stream
		if name == "" {
			name = "dead_letters"
		}
		return NewStreamSink(opts.Transport, name), nil
	case KindKafka:
		return NewKafkaSink(opts.Kafka)
	case KindPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dead-letter sink requires a DSN")
		}
		return NewPostgresSink(ctx, opts.PostgresDSN)
	case KindLog:
		return NewLogSink(), nil
	default:
		return nil, fmt.Errorf("unknown dead-letter sink %q", opts.Kind)
	}
}
