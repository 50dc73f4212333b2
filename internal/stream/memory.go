package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport with consumer groups, pending
// lists and delivery counts. It is used by tests and local runs.
type MemoryTransport struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time

	lastMs  int64
	lastSeq int64

	publishErr   error
	publishFails int
	ackErr       error
	closed       bool
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	id     string
	fields map[string]string
}

type memGroup struct {
	// next is the index of the first entry not yet delivered to the group
	next    int
	pending map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for idle computation.
func (t *MemoryTransport) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// FailPublish makes the next n publishes return err.
func (t *MemoryTransport) FailPublish(err error, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
	t.publishFails = n
}

// FailAck makes every ack return err until reset with nil.
func (t *MemoryTransport) FailAck(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackErr = err
}

func (t *MemoryTransport) stream(name string) *memStream {
	s, ok := t.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		t.streams[name] = s
	}
	return s
}

func (t *MemoryTransport) nextID() string {
	ms := t.now().UnixMilli()
	if ms <= t.lastMs {
		ms = t.lastMs
		t.lastSeq++
	} else {
		t.lastMs = ms
		t.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, t.lastSeq)
}

func (t *MemoryTransport) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", fmt.Errorf("%w: closed", ErrTransport)
	}
	if t.publishFails > 0 {
		t.publishFails--
		return "", fmt.Errorf("%w: %w", ErrTransport, t.publishErr)
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	id := t.nextID()
	s := t.stream(stream)
	s.entries = append(s.entries, memEntry{id: id, fields: copied})

	close(t.notify)
	t.notify = make(chan struct{})
	return id, nil
}

func (t *MemoryTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (t *MemoryTransport) ReadGroup(ctx context.Context, stream, group, consumer string, maxCount int64, block time.Duration) ([]Entry, error) {
	var timer <-chan time.Time
	if block > 0 {
		tm := time.NewTimer(block)
		defer tm.Stop()
		timer = tm.C
	}

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: closed", ErrTransport)
		}
		s := t.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: no such group %s on %s", ErrTransport, group, stream)
		}

		var entries []Entry
		now := t.now()
		for g.next < len(s.entries) && int64(len(entries)) < maxCount {
			e := s.entries[g.next]
			g.next++
			g.pending[e.id] = &memPending{consumer: consumer, deliveredAt: now, count: 1}
			entries = append(entries, Entry{Stream: stream, ID: e.id, Fields: copyFields(e.fields), DeliveryCount: 1})
		}
		wait := t.notify
		t.mu.Unlock()

		if len(entries) > 0 || timer == nil {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-wait:
		}
	}
}

func (t *MemoryTransport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ackErr != nil {
		return fmt.Errorf("%w: %w", ErrTransport, t.ackErr)
	}
	g, ok := t.stream(stream).groups[group]
	if !ok {
		return fmt.Errorf("%w: no such group %s on %s", ErrTransport, group, stream)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (t *MemoryTransport) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.stream(stream).groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: no such group %s on %s", ErrTransport, group, stream)
	}

	now := t.now()
	var out []PendingEntry
	for id, p := range g.pending {
		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}
		out = append(out, PendingEntry{ID: id, Consumer: p.consumer, Idle: idle, DeliveryCount: p.count})
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (t *MemoryTransport) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: no such group %s on %s", ErrTransport, group, stream)
	}

	now := t.now()
	var out []Entry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, ok := s.find(id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.count++
		out = append(out, Entry{Stream: stream, ID: id, Fields: copyFields(e.fields), DeliveryCount: p.count})
	}
	return out, nil
}

func (t *MemoryTransport) Exists(ctx context.Context, stream, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.stream(stream).find(id)
	return ok, nil
}

func (t *MemoryTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: closed", ErrTransport)
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Entries returns a snapshot of every entry appended to stream.
func (t *MemoryTransport) Entries(stream string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stream(stream)
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{Stream: stream, ID: e.id, Fields: copyFields(e.fields)})
	}
	return out
}

// PendingCount returns how many entries of group are delivered but unacked.
func (t *MemoryTransport) PendingCount(stream, group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.stream(stream).groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// IsPending reports whether id is still unacknowledged in group.
func (t *MemoryTransport) IsPending(stream, group, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.stream(stream).groups[group]
	if !ok {
		return false
	}
	_, ok = g.pending[id]
	return ok
}

// Delete removes an entry from the stream as trimming would.
func (t *MemoryTransport) Delete(stream, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stream(stream)
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			for _, g := range s.groups {
				if g.next > i {
					g.next--
				}
			}
			return
		}
	}
}

func (s *memStream) find(id string) (memEntry, bool) {
	for _, e := range s.entries {
		if e.id == id {
			return e, true
		}
	}
	return memEntry{}, false
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func lessID(a, b string) bool {
	var am, as, bm, bs int64
	fmt.Sscanf(a, "%d-%d", &am, &as)
	fmt.Sscanf(b, "%d-%d", &bm, &bs)
	if am != bm {
		return am < bm
	}
	return as < bs
}
