package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransport_IDsAreMonotonic(t *testing.T) {
	tr := NewMemoryTransport()
	fixed := time.Unix(1700000000, 0)
	tr.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	a, err := tr.Publish(ctx, "s", map[string]string{"n": "1"})
	require.NoError(t, err)
	b, err := tr.Publish(ctx, "s", map[string]string{"n": "2"})
	require.NoError(t, err)

	assert.True(t, lessID(a, b))
}

func TestMemoryTransport_ReadGroup_BlocksUntilPublish(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = tr.Publish(ctx, "s", map[string]string{"n": "1"})
	}()

	entries, err := tr.ReadGroup(ctx, "s", "g", "c", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Fields["n"])
}

func TestMemoryTransport_ReadGroup_TimeoutIsEmpty(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g"))

	entries, err := tr.ReadGroup(ctx, "s", "g", "c", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryTransport_GroupsAreIndependent(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g1"))
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g2"))
	_, err := tr.Publish(ctx, "s", map[string]string{"n": "1"})
	require.NoError(t, err)

	e1, err := tr.ReadGroup(ctx, "s", "g1", "c", 10, 0)
	require.NoError(t, err)
	e2, err := tr.ReadGroup(ctx, "s", "g2", "c", 10, 0)
	require.NoError(t, err)

	assert.Len(t, e1, 1)
	assert.Len(t, e2, 1)
}

func TestMemoryTransport_PendingAndClaim(t *testing.T) {
	tr := NewMemoryTransport()
	now := time.Unix(1700000000, 0)
	tr.SetClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g"))

	id, err := tr.Publish(ctx, "s", map[string]string{"n": "1"})
	require.NoError(t, err)
	_, err = tr.ReadGroup(ctx, "s", "g", "dead", 1, 0)
	require.NoError(t, err)

	pending, err := tr.Pending(ctx, "s", "g", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	now = now.Add(2 * time.Minute)
	pending, err = tr.Pending(ctx, "s", "g", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "dead", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].DeliveryCount)

	claimed, err := tr.Claim(ctx, "s", "g", "alive", time.Minute, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(2), claimed[0].DeliveryCount)

	// just claimed, no longer idle
	claimed, err = tr.Claim(ctx, "s", "g", "other", time.Minute, id)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, tr.Ack(ctx, "s", "g", id))
	assert.Equal(t, 0, tr.PendingCount("s", "g"))
}

func TestMemoryTransport_ClaimDropsDeletedEntries(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.EnsureGroup(ctx, "s", "g"))
	id, _ := tr.Publish(ctx, "s", map[string]string{"n": "1"})
	_, _ = tr.ReadGroup(ctx, "s", "g", "c", 1, 0)

	tr.Delete("s", id)

	claimed, err := tr.Claim(ctx, "s", "g", "c2", 0, id)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Equal(t, 0, tr.PendingCount("s", "g"))

	ok, err := tr.Exists(ctx, "s", id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTransport_FailPublish(t *testing.T) {
	tr := NewMemoryTransport()
	tr.FailPublish(errors.New("down"), 1)

	_, err := tr.Publish(context.Background(), "s", map[string]string{})
	assert.ErrorIs(t, err, ErrTransport)

	_, err = tr.Publish(context.Background(), "s", map[string]string{})
	assert.NoError(t, err)
}
