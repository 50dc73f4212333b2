package deadletter

import (
	"context"
	"fmt"

	"go-relay/internal/stream"
)

// StreamSink appends dead-lettered entries to a dedicated stream on the same
// transport the pipeline uses.
type StreamSink struct {
	transport stream.Transport
	stream    string
}

func NewStreamSink(transport stream.Transport, streamName string) *StreamSink {
	return &StreamSink{transport: transport, stream: streamName}
}

func (s *StreamSink) Send(ctx context.Context, rec Record) error {
	if _, err := s.transport.Publish(ctx, s.stream, rec.flatten()); err != nil {
		return fmt.Errorf("dead-letter to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close leaves the shared transport open.
func (s *StreamSink) Close() error {
	return nil
}
