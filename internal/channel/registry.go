package channel

import (
	"fmt"
	"sort"
	"sync"

	"go-relay/pkg/models"
)

// Registry maps channel tags to senders. It is built once at startup and
// passed to the dispatcher.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Channel]Sender)}
}

func (r *Registry) Register(sender Sender) error {
	if sender == nil {
		return fmt.Errorf("sender is nil")
	}
	ch, err := models.ParseChannel(sender.Channel().String())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[ch]; exists {
		return fmt.Errorf("channel already registered: %s", ch)
	}
	r.senders[ch] = sender
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(sender Sender) {
	if err := r.Register(sender); err != nil {
		panic(err)
	}
}

// Get resolves the sender for ch. Unknown or unregistered tags return
// ErrUnknownChannel.
func (r *Registry) Get(ch models.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	return sender, nil
}

func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
