package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

func TestPublishConfirmed(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	type order struct {
		ID    int    `json:"id"`
		Items string `json:"items"`
	}

	err := client.Publish(ctx, "ex-1", "key-1", order{ID: 7, Items: "tea"}, PublishOptions{
		Persistent:    true,
		Expiration:    90 * time.Second,
		CorrelationID: "corr-1",
		Headers:       map[string]interface{}{"tenant": "acme"},
	})
	require.NoError(t, err)

	pubs := broker.publishes()
	require.Len(t, pubs, 1)
	p := pubs[0]
	assert.Equal(t, "ex-1", p.Exchange)
	assert.Equal(t, "key-1", p.Key)
	assert.Equal(t, "application/json", p.Msg.ContentType)
	assert.Equal(t, amqp.Persistent, p.Msg.DeliveryMode)
	assert.Equal(t, "90000", p.Msg.Expiration)
	assert.Equal(t, "corr-1", p.Msg.CorrelationId)
	assert.Equal(t, "acme", p.Msg.Headers["tenant"])

	var decoded order
	require.NoError(t, json.Unmarshal(p.Msg.Body, &decoded))
	assert.Equal(t, order{ID: 7, Items: "tea"}, decoded)

	assert.Equal(t, 0, client.InFlight())
}

func TestPublishEncodesByPayloadType(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	require.NoError(t, client.Publish(ctx, "ex-1", "key-1", []byte{0x01, 0x02}))
	require.NoError(t, client.Publish(ctx, "ex-1", "key-1", "plain"))
	require.NoError(t, client.Publish(ctx, "ex-1", "key-1", map[string]int{"n": 1}))

	pubs := broker.publishes()
	require.Len(t, pubs, 3)
	assert.Equal(t, "application/octet-stream", pubs[0].Msg.ContentType)
	assert.Equal(t, []byte{0x01, 0x02}, pubs[0].Msg.Body)
	assert.Equal(t, "text/plain", pubs[1].Msg.ContentType)
	assert.Equal(t, "plain", string(pubs[1].Msg.Body))
	assert.Equal(t, "application/json", pubs[2].Msg.ContentType)
	assert.JSONEq(t, `{"n":1}`, string(pubs[2].Msg.Body))
	assert.Equal(t, amqp.Transient, pubs[0].Msg.DeliveryMode)
	assert.Empty(t, pubs[0].Msg.Expiration)
}

func TestSendToQueueUsesDefaultExchange(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())

	require.NoError(t, client.SendToQueue(testContext(t), "q-2", "direct to queue"))

	pubs := broker.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "", pubs[0].Exchange)
	assert.Equal(t, "q-2", pubs[0].Key)
}

func TestPublishNacked(t *testing.T) {
	broker := newFakeBroker()
	broker.nackKeys["key-2"] = true
	client := startReady(t, broker, testConfig())

	err := client.Publish(testContext(t), "ex-1", "key-2", "refused")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishRejected)
	assert.ErrorIs(t, err, ErrMessageNacked)

	var rejected *PublishRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "ex-1", rejected.Exchange)
	assert.Equal(t, "key-2", rejected.RoutingKey)
	assert.Equal(t, CategoryMessage, GetErrorCategory(err))
}

func TestMandatoryPublishReturned(t *testing.T) {
	broker := newFakeBroker()
	broker.unroutable["nowhere"] = true
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	err := client.Publish(ctx, "ex-1", "nowhere", "lost", PublishOptions{Mandatory: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageReturned)

	pubs := broker.publishes()
	require.Len(t, pubs, 1)
	assert.True(t, pubs[0].Mandatory)
	assert.NotEmpty(t, pubs[0].Msg.MessageId)

	// Without mandatory the broker drops it and still acks.
	require.NoError(t, client.Publish(ctx, "ex-1", "nowhere", "dropped"))
}

func TestConfirmationsResolveInSubmissionOrder(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	broker.hold()
	confs := make([]*Confirmation, 5)
	for i := range confs {
		conf, err := client.PublishAsync(ctx, "ex-1", "key-1", i)
		require.NoError(t, err)
		confs[i] = conf
	}
	assert.Equal(t, 5, client.InFlight())
	for _, conf := range confs {
		assert.NoError(t, conf.Err())
		select {
		case <-conf.Done():
			t.Fatal("confirmation resolved before the broker answered")
		default:
		}
	}

	broker.release()
	for _, conf := range confs {
		require.NoError(t, conf.Wait(ctx))
	}
	require.NoError(t, client.WaitForConfirms(ctx))
	assert.Equal(t, 0, client.InFlight())

	pubs := broker.publishes()
	require.Len(t, pubs, 5)
	for i, p := range pubs {
		assert.Equal(t, []byte{byte('0' + i)}, p.Msg.Body)
	}
}

func TestMultipleAckResolvesPrefix(t *testing.T) {
	broker := newFakeBroker()
	broker.hold()
	ch := &fakeChannel{broker: broker}
	require.NoError(t, ch.Confirm(false))
	s := newSession(ch)

	rb := &RabbitClient{}
	confs := make([]*Confirmation, 3)
	for i := range confs {
		rb.mu.Lock()
		rb.track()
		rb.mu.Unlock()
		confs[i] = newConfirmation(rb, OutboundMessage{Exchange: "ex-1", RoutingKey: "key-1"}, nil)
		s.publish(context.Background(), confs[i])
		assert.Equal(t, uint64(i+1), confs[i].tag)
	}

	s.confirm(2, true)
	require.NoError(t, confs[0].Wait(context.Background()))
	require.NoError(t, confs[1].Wait(context.Background()))
	select {
	case <-confs[2].Done():
		t.Fatal("tag 3 must stay in flight")
	default:
	}

	ch.sendConfirm(3, false)
	err := confs[2].Wait(context.Background())
	assert.ErrorIs(t, err, ErrMessageNacked)
	assert.Equal(t, 0, rb.InFlight())

	_ = ch.Close()
	<-s.stopped
}

func TestPublishQueuedUntilReady(t *testing.T) {
	broker := newFakeBroker()
	client := newTestClient(t, broker, testConfig())
	ctx := testContext(t)

	confs := make([]*Confirmation, 3)
	for i := range confs {
		conf, err := client.PublishAsync(ctx, "ex-1", "key-1", i)
		require.NoError(t, err)
		confs[i] = conf
	}
	assert.Empty(t, broker.publishes())
	assert.Equal(t, 3, client.InFlight())

	require.NoError(t, client.Start())
	for _, conf := range confs {
		require.NoError(t, conf.Wait(ctx))
	}

	pubs := broker.publishes()
	require.Len(t, pubs, 3)
	for i, p := range pubs {
		assert.Equal(t, []byte{byte('0' + i)}, p.Msg.Body)
	}
}

func TestChannelLossDuringFlushKeepsRestQueued(t *testing.T) {
	broker := newFakeBroker()
	broker.closeChannelAfter(1)
	client := newTestClient(t, broker, testConfig())
	ctx := testContext(t)

	confs := make([]*Confirmation, 3)
	for i := range confs {
		conf, err := client.PublishAsync(ctx, "ex-1", "key-1", i)
		require.NoError(t, err)
		confs[i] = conf
	}

	require.NoError(t, client.Start())
	for i, conf := range confs {
		assert.NoError(t, conf.Wait(ctx), "publish %d", i)
	}

	assert.Equal(t, 2, broker.lastConn().channelCount())
	pubs := broker.publishes()
	require.Len(t, pubs, 3)
	for i, p := range pubs {
		assert.Equal(t, []byte{byte('0' + i)}, p.Msg.Body)
	}
	require.Eventually(t, func() bool {
		return client.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPublishNotReadyWhenQueueFull(t *testing.T) {
	broker := newFakeBroker()
	cfg := testConfig()
	cfg.Channel.PendingPublishLimit = 2
	client := newTestClient(t, broker, cfg)
	ctx := testContext(t)

	first, err := client.PublishAsync(ctx, "ex-1", "key-1", "a")
	require.NoError(t, err)
	second, err := client.PublishAsync(ctx, "ex-1", "key-1", "b")
	require.NoError(t, err)

	_, err = client.PublishAsync(ctx, "ex-1", "key-1", "c")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsRetryableError(err))

	require.NoError(t, client.Close(ctx))
	assert.ErrorIs(t, first.Wait(ctx), ErrClosed)
	assert.ErrorIs(t, second.Wait(ctx), ErrClosed)
}

func TestCloseRejectsInFlightPublishes(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	broker.hold()
	confs := make([]*Confirmation, 4)
	for i := range confs {
		conf, err := client.PublishAsync(ctx, "ex-1", "key-1", i)
		require.NoError(t, err)
		confs[i] = conf
	}
	require.Equal(t, 4, broker.heldCount())

	require.NoError(t, client.Close(ctx))
	for _, conf := range confs {
		assert.ErrorIs(t, conf.Wait(ctx), ErrClosed)
	}
	assert.Equal(t, 0, client.InFlight())
	assert.Equal(t, StateClosed, client.ConnectionState())

	err := client.Publish(ctx, "ex-1", "key-1", "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsPermanentError(err))

	// No retries after Close.
	dials := len(broker.dialed())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, broker.dialed(), dials)
	assert.ErrorIs(t, client.Start(), ErrClosed)
	assert.NoError(t, client.Close(ctx))
}

func TestChannelLossRejectsInFlight(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	broker.hold()
	conf, err := client.PublishAsync(ctx, "ex-1", "key-1", "unconfirmed")
	require.NoError(t, err)

	broker.closeChannel()

	err = conf.Wait(ctx)
	assert.ErrorIs(t, err, ErrPublishRejected)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.True(t, IsRetryableError(errors.Unwrap(err)))

	broker.release()
	require.Eventually(t, func() bool {
		return broker.lastConn().channelCount() == 2 && client.ChannelState() == ChannelReady
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Publish(ctx, "ex-1", "key-1", "after recovery"))
}

func TestGracefulShutdownWaitsForConfirms(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	broker.hold()
	conf, err := client.PublishAsync(ctx, "ex-1", "key-1", "slow")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		broker.release()
	}()

	require.NoError(t, client.GracefulShutdown(ctx))
	assert.NoError(t, conf.Err())
}

func TestBulkPublishSingleKey(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())

	err := client.BulkPublish(testContext(t), "ex-1", To("key-1"), []any{"a", "b", "c"})
	require.NoError(t, err)

	pubs := broker.publishes()
	require.Len(t, pubs, 3)
	for i, p := range pubs {
		assert.Equal(t, "key-1", p.Key)
		assert.Equal(t, string(rune('a'+i)), string(p.Msg.Body))
	}
}

func TestBulkPublishPairsKeysByPosition(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())

	err := client.BulkPublish(testContext(t), "ex-1", Each("key-1", "key-2", "key-1"), []any{"a", "b", "c"})
	require.NoError(t, err)

	pubs := broker.publishes()
	require.Len(t, pubs, 3)
	assert.Equal(t, "key-1", pubs[0].Key)
	assert.Equal(t, "a", string(pubs[0].Msg.Body))
	assert.Equal(t, "key-2", pubs[1].Key)
	assert.Equal(t, "b", string(pubs[1].Msg.Body))
	assert.Equal(t, "key-1", pubs[2].Key)
	assert.Equal(t, "c", string(pubs[2].Msg.Body))
}

func TestBulkSendToQueue(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())

	err := client.BulkSendToQueue(testContext(t), Each("q-1", "q-2"), []any{"one", "two"})
	require.NoError(t, err)

	pubs := broker.publishes()
	require.Len(t, pubs, 2)
	assert.Equal(t, "", pubs[0].Exchange)
	assert.Equal(t, "q-1", pubs[0].Key)
	assert.Equal(t, "q-2", pubs[1].Key)
}

func TestBulkArityMismatchSendsNothing(t *testing.T) {
	broker := newFakeBroker()
	client := startReady(t, broker, testConfig())
	ctx := testContext(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"publish keys", func() error {
			return client.BulkPublish(ctx, "ex-1", Each("key-1", "key-2"), []any{"a", "b", "c"})
		}},
		{"queues", func() error {
			return client.BulkSendToQueue(ctx, Each("q-1", "q-2", "q-1"), []any{"a"})
		}},
		{"no keys", func() error {
			return client.BulkPublish(ctx, "ex-1", Each(), []any{"a"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrArity)
			var arity *ArityError
			assert.ErrorAs(t, err, &arity)
		})
	}

	assert.Empty(t, broker.publishes())
	assert.Equal(t, 0, client.InFlight())
}

func TestBulkReturnsFirstRejectionInOrder(t *testing.T) {
	broker := newFakeBroker()
	broker.nackKeys["key-2"] = true
	client := startReady(t, broker, testConfig())

	err := client.BulkPublish(testContext(t), "ex-1", Each("key-1", "key-2", "key-1"), []any{"a", "b", "c"})
	require.Error(t, err)

	var rejected *PublishRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "key-2", rejected.RoutingKey)

	// Everything was sent; nothing is withdrawn.
	assert.Len(t, broker.publishes(), 3)
}

func TestPublishFailsWithConflictingTopology(t *testing.T) {
	broker := newFakeBroker()
	broker.exchanges["ex-1"] = "topic|true|false|false|map[]"
	client := newTestClient(t, broker, testConfig())

	queued, err := client.PublishAsync(testContext(t), "ex-1", "key-1", "early")
	require.NoError(t, err)
	require.NoError(t, client.Start())

	err = queued.Wait(testContext(t))
	kind, ok := topology.KindOf(err)
	require.True(t, ok, "expected a config error, got %v", err)
	assert.Equal(t, topology.ConflictingDeclaration, kind)

	err = client.Publish(testContext(t), "ex-1", "key-1", "late")
	assert.ErrorIs(t, err, topology.ErrConfig)
	assert.Empty(t, broker.publishes())
}
