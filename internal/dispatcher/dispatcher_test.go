package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-relay/internal/channel"
	"go-relay/internal/deadletter"
	"go-relay/internal/idempotency"
	"go-relay/internal/observability"
	"go-relay/internal/stream"
	"go-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	outbound = "outbound"
	group    = "dispatchers"
)

type fixture struct {
	tr       *stream.MemoryTransport
	ledger   *idempotency.MemoryStore
	metrics  *observability.InMemoryMetrics
	sender   *channel.MockSender
	registry *channel.Registry
}

func newFixture(t *testing.T, results ...channel.Result) *fixture {
	t.Helper()
	ledger := idempotency.NewMemoryStore()
	t.Cleanup(ledger.Close)

	sender := channel.NewMockSender(models.ChannelTelegram, results...)
	registry := channel.NewRegistry()
	registry.MustRegister(sender)

	return &fixture{
		tr:       stream.NewMemoryTransport(),
		ledger:   ledger,
		metrics:  observability.NewInMemoryMetrics(),
		sender:   sender,
		registry: registry,
	}
}

func (f *fixture) dispatcher(maxAttempts int64, consumerCfg stream.ConsumerConfig) *Dispatcher {
	return New(consumerCfg, Config{
		OutboundStream:      outbound,
		Group:               group,
		Owner:               "dispatcher-1",
		MaxDeliveryAttempts: maxAttempts,
		SendTimeout:         time.Second,
	}, Deps{
		Transport:  f.tr,
		Registry:   f.registry,
		Ledger:     f.ledger,
		DeadLetter: deadletter.NewStreamSink(f.tr, "dead_letters"),
		Metrics:    f.metrics,
	})
}

func testOutbound(key string) models.OutboundEnvelope {
	return models.OutboundEnvelope{
		Envelope: models.Envelope{
			BusinessKey:   key,
			Channel:       models.ChannelTelegram,
			SenderAddress: "42",
			Body:          "hello",
			CreatedAt:     time.Now().UTC(),
			CorrelationID: "corr-" + key,
		},
		OutID:              "out-" + key,
		DestinationAddress: "42",
		ResultBody:         "hi there",
		Status:             models.StatusOK,
		RepliedAt:          time.Now().UTC(),
	}
}

func entryFor(id string, out models.OutboundEnvelope, attempt int64) stream.Entry {
	return stream.Entry{Stream: outbound, ID: id, Fields: out.Fields(), DeliveryCount: attempt}
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_DeliversAndRecordsLedger(t *testing.T) {
	f := newFixture(t, channel.Success("tg-100"))
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m1")

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", out, 1)))

	sent := f.sender.GetSent()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].Destination)
	assert.Equal(t, "hi there", sent[0].Body)
	assert.Equal(t, int64(1), f.metrics.GetDelivered())

	rec, ok := f.ledger.Get(out.BusinessKey)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, "tg-100", rec.ResultRef)
}

func TestDispatcher_LedgerSkipsSecondDelivery(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m2")

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", out, 1)))
	// redelivered after a crash between send and ack
	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", out, 2)))

	assert.Equal(t, 1, f.sender.Calls())
}

func TestDispatcher_LedgerReservedElsewhereStaysPending(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m3")
	_, err := f.ledger.Reserve(context.Background(), out.BusinessKey, "dispatcher-2", time.Minute)
	require.NoError(t, err)

	err = d.Handle(context.Background(), entryFor("1-0", out, 1))
	assert.ErrorIs(t, err, ErrDeliveryInFlight)
	assert.Zero(t, f.sender.Calls())
}

func TestDispatcher_LedgerUnavailableStaysPending(t *testing.T) {
	f := newFixture(t)
	f.ledger.Fail(errors.New("connection refused"))
	d := f.dispatcher(5, stream.ConsumerConfig{})

	err := d.Handle(context.Background(), entryFor("1-0", testOutbound("tg:42:m4"), 1))
	assert.ErrorIs(t, err, idempotency.ErrStoreUnavailable)
	assert.Zero(t, f.sender.Calls())
}

func TestDispatcher_TransientFailureStaysPending(t *testing.T) {
	f := newFixture(t, channel.Transient(errors.New("503")))
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m5")

	err := d.Handle(context.Background(), entryFor("1-0", out, 1))
	assert.ErrorIs(t, err, ErrDeliveryPending)
	assert.Empty(t, f.tr.Entries("dead_letters"))

	_, held := f.ledger.Get(out.BusinessKey)
	assert.False(t, held, "ledger reservation must be released after a transient failure")
}

func TestDispatcher_TransientAtLimitIsDeadLettered(t *testing.T) {
	f := newFixture(t, channel.Transient(errors.New("503")))
	d := f.dispatcher(3, stream.ConsumerConfig{})

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", testOutbound("tg:42:m6"), 3)))

	dead := f.tr.Entries("dead_letters")
	require.Len(t, dead, 1)
	assert.Equal(t, deadletter.ReasonMaxAttempts, dead[0].Fields["dlq_reason"])
	assert.Equal(t, "3", dead[0].Fields["dlq_delivery_count"])
}

func TestDispatcher_PermanentFailureIsDeadLettered(t *testing.T) {
	f := newFixture(t, channel.Permanent(errors.New("chat not found")))
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m7")

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", out, 1)))

	dead := f.tr.Entries("dead_letters")
	require.Len(t, dead, 1)
	assert.Equal(t, deadletter.ReasonPermanent, dead[0].Fields["dlq_reason"])
	assert.Equal(t, "chat not found", dead[0].Fields["dlq_error"])
	assert.Equal(t, out.ResultBody, dead[0].Fields[models.FieldResultBody])
	assert.Equal(t, int64(1), f.metrics.PermanentFailures.Load())
}

func TestDispatcher_UnknownChannelIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("pigeon:1:m8")
	out.Channel = models.Channel("pigeon")

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", out, 1)))

	dead := f.tr.Entries("dead_letters")
	require.Len(t, dead, 1)
	assert.Equal(t, deadletter.ReasonUnknownChannel, dead[0].Fields["dlq_reason"])
	assert.Zero(t, f.sender.Calls())

	_, held := f.ledger.Get(out.BusinessKey)
	assert.False(t, held)
}

func TestDispatcher_InvalidPayloadIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(5, stream.ConsumerConfig{})
	out := testOutbound("tg:42:m9")
	fields := out.Fields()
	delete(fields, models.FieldDestinationAddress)

	require.NoError(t, d.Handle(context.Background(), stream.Entry{Stream: outbound, ID: "1-0", Fields: fields, DeliveryCount: 1}))

	dead := f.tr.Entries("dead_letters")
	require.Len(t, dead, 1)
	assert.Equal(t, deadletter.ReasonInvalidPayload, dead[0].Fields["dlq_reason"])
	assert.Zero(t, f.sender.Calls())
}

func TestDispatcher_WithoutLedger(t *testing.T) {
	f := newFixture(t)
	d := New(stream.ConsumerConfig{}, Config{OutboundStream: outbound, Group: group}, Deps{
		Registry:   f.registry,
		DeadLetter: deadletter.NewStreamSink(f.tr, "dead_letters"),
	})

	require.NoError(t, d.Handle(context.Background(), entryFor("1-0", testOutbound("tg:42:m10"), 1)))
	assert.Equal(t, 1, f.sender.Calls())
	assert.Error(t, d.Run(context.Background()))
}

func TestDispatcher_TransientTwiceThenDelivered(t *testing.T) {
	f := newFixture(t,
		channel.Transient(errors.New("timeout")),
		channel.Transient(errors.New("timeout")),
		channel.Success("tg-1"),
	)
	_, err := f.tr.Publish(context.Background(), outbound, testOutbound("tg:42:c").Fields())
	require.NoError(t, err)

	d := f.dispatcher(5, stream.ConsumerConfig{
		Consumer: "d1", Concurrency: 2, Block: 10 * time.Millisecond,
		ReclaimIdle: 20 * time.Millisecond, ReclaimInterval: 10 * time.Millisecond,
	})
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return len(f.sender.GetSent()) == 1 && f.tr.PendingCount(outbound, group) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.sender.Calls())
	assert.Empty(t, f.tr.Entries("dead_letters"))
}

func TestDispatcher_DeadLettersAfterExactlyMaxAttempts(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.sender.Push(channel.Transient(errors.New("timeout")))
	}
	_, err := f.tr.Publish(context.Background(), outbound, testOutbound("tg:42:max").Fields())
	require.NoError(t, err)

	d := f.dispatcher(3, stream.ConsumerConfig{
		Consumer: "d1", Concurrency: 1, Block: 10 * time.Millisecond,
		ReclaimIdle: 20 * time.Millisecond, ReclaimInterval: 10 * time.Millisecond,
	})
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return len(f.tr.Entries("dead_letters")) == 1 && f.tr.PendingCount(outbound, group) == 0
	}, 5*time.Second, 10*time.Millisecond)
	// give any stray reclaim a chance to show up
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 3, f.sender.Calls())
	assert.Equal(t, int64(1), f.metrics.GetDLQReason(deadletter.ReasonMaxAttempts))
}

func TestDispatcher_AcksOnlyAfterDelivery(t *testing.T) {
	f := newFixture(t)
	f.sender.Delay = 100 * time.Millisecond
	_, err := f.tr.Publish(context.Background(), outbound, testOutbound("tg:42:slow").Fields())
	require.NoError(t, err)

	d := f.dispatcher(5, stream.ConsumerConfig{Consumer: "d1", Concurrency: 1, Block: 10 * time.Millisecond})
	runDispatcher(t, d)

	require.Eventually(t, func() bool { return f.tr.PendingCount(outbound, group) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.sender.GetSent())

	require.Eventually(t, func() bool {
		return len(f.sender.GetSent()) == 1 && f.tr.PendingCount(outbound, group) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "delivering", StateDelivering.String())
	assert.Equal(t, "delivered", StateDelivered.String())
	assert.Equal(t, "transient_failure", StateTransientFailure.String())
	assert.Equal(t, "dead_lettered", StateDeadLettered.String())
	assert.Equal(t, "unknown", State(99).String())
}
