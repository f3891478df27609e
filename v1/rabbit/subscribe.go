package rabbit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

// Handler processes one delivery. ctx carries the producer's trace context
// and ends when the client is closed.
type Handler func(ctx context.Context, msg *Message)

// SubscribeOptions tune a consumer.
type SubscribeOptions struct {
	// NoAck lets the broker consider messages acknowledged on delivery.
	NoAck bool

	// Exclusive asks to be the queue's only consumer.
	Exclusive bool

	// ConsumerTag is kept across reconnects. A tag of the form
	// "amqpplus-<uuid>" is generated when empty.
	ConsumerTag string

	Arguments map[string]interface{}
}

// Subscription is a registered consumer. It is re-attached on every new
// channel until Cancel or Close.
type Subscription struct {
	Queue string

	client  *RabbitClient
	handler Handler
	opts    SubscribeOptions
	tag     string

	mu         sync.Mutex
	session    *session
	cancelled  bool
	attached   chan struct{}
	attachOnce sync.Once
}

// ConsumerTag returns the tag the subscription consumes with.
func (sub *Subscription) ConsumerTag() string {
	return sub.tag
}

// Subscribe registers handler for queue and blocks until the consumer is
// attached on a Ready channel. A queue missing from the topology fails
// immediately with an UnknownQueue *topology.ConfigError. If ctx ends first
// the registration is withdrawn.
//
// Example:
//
//	sub, err := client.Subscribe(ctx, "q-1", func(ctx context.Context, msg *rabbit.Message) {
//		var order Order
//		if err := msg.DecodeInto(&order); err != nil {
//			_ = msg.Reject()
//			return
//		}
//		if err := process(ctx, order); err != nil {
//			_ = msg.Nack()
//			return
//		}
//		_ = msg.Ack()
//	})
func (rb *RabbitClient) Subscribe(ctx context.Context, queue string, handler Handler, opts ...SubscribeOptions) (*Subscription, error) {
	if !rb.topo.HasQueue(queue) {
		return nil, topology.NewConfigError(topology.UnknownQueue, queue, "queue %q is not declared", queue)
	}
	if handler == nil {
		return nil, errors.New("rabbit: nil subscription handler")
	}

	var o SubscribeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	tag := o.ConsumerTag
	if tag == "" {
		tag = "amqpplus-" + uuid.NewString()
	}

	sub := &Subscription{
		Queue:    queue,
		client:   rb,
		handler:  handler,
		opts:     o,
		tag:      tag,
		attached: make(chan struct{}),
	}

	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return nil, ErrClosed
	}
	rb.subs = append(rb.subs, sub)
	var s *session
	if rb.chanState == ChannelReady {
		s = rb.session
	}
	rb.mu.Unlock()

	if s != nil {
		// On failure the next channel setup attaches it.
		if err := sub.attach(s); err != nil {
			rb.logWarn(ctx, "Failed to attach consumer, will retry on next channel", map[string]interface{}{
				"queue": queue,
				"error": err.Error(),
			})
		} else {
			sub.markAttached()
		}
	}

	select {
	case <-sub.attached:
		rb.logInfo(ctx, "Subscribed to queue", map[string]interface{}{
			"queue":        queue,
			"consumer_tag": tag,
		})
		return sub, nil
	case <-ctx.Done():
		_ = sub.Cancel()
		return nil, ctx.Err()
	case <-rb.closedCh:
		return nil, ErrClosed
	}
}

// Cancel stops deliveries and removes the subscription so it is not
// re-attached. Messages already handed to the handler must still be settled.
func (sub *Subscription) Cancel() error {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return nil
	}
	sub.cancelled = true
	s := sub.session
	sub.mu.Unlock()

	sub.client.removeSubscription(sub)

	if s == nil {
		return nil
	}
	if err := s.ch.Cancel(sub.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (rb *RabbitClient) removeSubscription(sub *Subscription) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i, s := range rb.subs {
		if s == sub {
			rb.subs = append(rb.subs[:i], rb.subs[i+1:]...)
			return
		}
	}
}

// attach starts consuming on s unless already attached there.
func (sub *Subscription) attach(s *session) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.cancelled || sub.session == s {
		return nil
	}

	deliveries, err := s.ch.Consume(
		sub.Queue,
		sub.tag,
		sub.opts.NoAck,
		sub.opts.Exclusive,
		false, // noLocal
		false, // noWait
		amqp.Table(sub.opts.Arguments),
	)
	if err != nil {
		return &ChannelSetupError{Step: "consume", Name: sub.Queue, Err: err}
	}
	sub.session = s

	go sub.dispatch(deliveries)
	return nil
}

func (sub *Subscription) markAttached() {
	sub.attachOnce.Do(func() { close(sub.attached) })
}

func (sub *Subscription) sessionIs(s *session) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.session == s
}

func (sub *Subscription) isCancelled() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.cancelled
}

// dispatch runs the handler for each delivery until the channel closes or the
// consumer is cancelled.
func (sub *Subscription) dispatch(deliveries <-chan amqp.Delivery) {
	rb := sub.client
	for d := range deliveries {
		start := time.Now()
		ctx, span := startConsumeSpan(extractTrace(rb.ctx, d.Headers), sub.Queue, d)
		sub.handler(ctx, newMessage(d, sub.Queue, sub.opts.NoAck))
		span.End()
		rb.observeOperation("consume", sub.Queue, d.RoutingKey, time.Since(start), nil, int64(len(d.Body)))
	}
}
