package channel

import (
	"context"
	"sync"
	"time"

	"go-relay/pkg/models"
)

// SentMessage records a MockSender call.
type SentMessage struct {
	Destination string
	Body        string
	At          time.Time
}

// MockSender is a scriptable Sender for testing. Results are returned in
// order; once exhausted every call is delivered.
type MockSender struct {
	mu      sync.Mutex
	channel models.Channel
	results []Result
	sent    []SentMessage
	calls   int

	Delay time.Duration
}

func NewMockSender(ch models.Channel, results ...Result) *MockSender {
	return &MockSender{channel: ch, results: results}
}

func (m *MockSender) Channel() models.Channel {
	return m.channel
}

func (m *MockSender) Send(ctx context.Context, destination, body string) Result {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		case <-time.After(m.Delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	res := Success("mock")
	if len(m.results) > 0 {
		res = m.results[0]
		m.results = m.results[1:]
	}
	if res.Outcome == Delivered {
		m.sent = append(m.sent, SentMessage{Destination: destination, Body: body, At: time.Now()})
	}
	return res
}

// Push appends scripted results.
func (m *MockSender) Push(results ...Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, results...)
}

// GetSent returns the successfully delivered messages.
func (m *MockSender) GetSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = nil
	m.sent = nil
	m.calls = 0
}
