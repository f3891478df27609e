package rabbit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Aleph-Alpha/amqpplus/v1/codec"
)

// PublishOptions are per-message properties.
type PublishOptions struct {
	// Persistent asks the broker to write the message to disk.
	Persistent bool

	// Expiration is the per-message TTL. Zero means no expiry. The broker
	// only has millisecond resolution.
	Expiration time.Duration

	Priority      uint8
	Headers       map[string]interface{}
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	AppID         string

	// Mandatory makes unroutable messages fail with a *PublishRejectedError
	// instead of being dropped by the broker.
	Mandatory bool
}

// OutboundMessage is an encoded message on its way to the broker. Exchange ""
// is the default exchange, which routes straight to the queue named by
// RoutingKey.
type OutboundMessage struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	ContentType codec.ContentType
	Options     PublishOptions

	headers amqp.Table
}

func newOutboundMessage(exchange, routingKey string, payload any, opts []PublishOptions) (OutboundMessage, error) {
	body, contentType, err := codec.Encode(payload)
	if err != nil {
		return OutboundMessage{}, err
	}

	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Mandatory && o.MessageID == "" {
		// Returns are matched to publishes by message id.
		o.MessageID = uuid.NewString()
	}

	headers := make(amqp.Table, len(o.Headers)+2)
	for k, v := range o.Headers {
		headers[k] = v
	}

	return OutboundMessage{
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Body:        body,
		ContentType: contentType,
		Options:     o,
		headers:     headers,
	}, nil
}

func (m OutboundMessage) messageID() string {
	return m.Options.MessageID
}

func (m OutboundMessage) publishing() amqp.Publishing {
	p := amqp.Publishing{
		Headers:       m.headers,
		ContentType:   string(m.ContentType),
		DeliveryMode:  amqp.Transient,
		Priority:      m.Options.Priority,
		CorrelationId: m.Options.CorrelationID,
		ReplyTo:       m.Options.ReplyTo,
		MessageId:     m.Options.MessageID,
		Timestamp:     time.Now(),
		Type:          m.Options.Type,
		AppId:         m.Options.AppID,
		Body:          m.Body,
	}
	if m.Options.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if m.Options.Expiration > 0 {
		p.Expiration = strconv.FormatInt(max(m.Options.Expiration.Milliseconds(), 1), 10)
	}
	return p
}

// Confirmation is the pending result of one publish. It resolves exactly
// once: nil when the broker confirmed the message, otherwise the reason it
// was not.
type Confirmation struct {
	msg      OutboundMessage
	client   *RabbitClient
	span     trace.Span
	start    time.Time
	tag      uint64
	returned *amqp.Return

	once sync.Once
	done chan struct{}
	err  error
}

func newConfirmation(client *RabbitClient, msg OutboundMessage, span trace.Span) *Confirmation {
	return &Confirmation{
		msg:    msg,
		client: client,
		span:   span,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
}

// Done is closed once the publish is confirmed or rejected.
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome, or nil while the publish is still pending.
func (c *Confirmation) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the publish resolves or ctx ends. A ctx error does not
// withdraw the message.
func (c *Confirmation) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Confirmation) settle(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)

		if c.span != nil {
			if err != nil {
				c.span.RecordError(err)
				c.span.SetStatus(codes.Error, err.Error())
			}
			c.span.End()
		}
		c.client.observeOperation("produce", c.msg.Exchange, c.msg.RoutingKey, time.Since(c.start), err, int64(len(c.msg.Body)))
		c.client.untrack()
	})
}

func (c *Confirmation) rejection(reason string, err error) error {
	return &PublishRejectedError{
		Exchange:   c.msg.Exchange,
		RoutingKey: c.msg.RoutingKey,
		Reason:     reason,
		Err:        err,
	}
}

// Publish encodes payload, publishes it and waits for the broker's
// confirmation. Payloads of type []byte are sent as is, strings as
// text/plain, anything else as JSON.
//
// Errors: *PublishRejectedError when the broker nacks or returns the
// message or the channel is lost first, ErrNotReady when the channel is
// down and the pending queue is full, ErrClosed after Close, or ctx's error
// when the caller stops waiting.
func (rb *RabbitClient) Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOptions) error {
	conf, err := rb.PublishAsync(ctx, exchange, routingKey, payload, opts...)
	if err != nil {
		return err
	}
	return conf.Wait(ctx)
}

// PublishAsync submits a publish and returns without waiting for the
// confirmation. While the channel is not Ready the message is queued and
// sent in submission order once it is.
func (rb *RabbitClient) PublishAsync(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOptions) (*Confirmation, error) {
	msg, err := newOutboundMessage(exchange, routingKey, payload, opts)
	if err != nil {
		return nil, err
	}
	return rb.publishMessage(ctx, msg)
}

// SendToQueue publishes payload through the default exchange straight to queue.
func (rb *RabbitClient) SendToQueue(ctx context.Context, queue string, payload any, opts ...PublishOptions) error {
	return rb.Publish(ctx, "", queue, payload, opts...)
}

// Targets says which routing keys, or queues, a bulk operation uses.
// Build it with To or Each.
type Targets struct {
	names []string
	each  bool
}

// To uses name for every payload.
func To(name string) Targets {
	return Targets{names: []string{name}}
}

// Each pairs names with payloads by position. The counts must match.
func Each(names ...string) Targets {
	return Targets{names: names, each: true}
}

func (t Targets) resolve(n int) ([]string, error) {
	if !t.each {
		if len(t.names) != 1 {
			return nil, &ArityError{Targets: len(t.names), Payloads: n}
		}
		out := make([]string, n)
		for i := range out {
			out[i] = t.names[0]
		}
		return out, nil
	}
	if len(t.names) != n {
		return nil, &ArityError{Targets: len(t.names), Payloads: n}
	}
	return append([]string(nil), t.names...), nil
}

// BulkPublish publishes payloads to exchange in order and waits until all are
// confirmed. keys is To(k) for one key or Each(k1, ..., kn) for one key per
// payload; a length mismatch fails with *ArityError before anything is sent.
// The first rejection in submission order is returned. Messages already sent
// are not withdrawn.
func (rb *RabbitClient) BulkPublish(ctx context.Context, exchange string, keys Targets, payloads []any, opts ...PublishOptions) error {
	routes, err := keys.resolve(len(payloads))
	if err != nil {
		return err
	}
	exchanges := make([]string, len(payloads))
	for i := range exchanges {
		exchanges[i] = exchange
	}
	return rb.bulk(ctx, exchanges, routes, payloads, opts)
}

// BulkSendToQueue is BulkPublish through the default exchange, with queues
// as the targets.
func (rb *RabbitClient) BulkSendToQueue(ctx context.Context, queues Targets, payloads []any, opts ...PublishOptions) error {
	routes, err := queues.resolve(len(payloads))
	if err != nil {
		return err
	}
	return rb.bulk(ctx, make([]string, len(payloads)), routes, payloads, opts)
}

func (rb *RabbitClient) bulk(ctx context.Context, exchanges, routes []string, payloads []any, opts []PublishOptions) error {
	msgs := make([]OutboundMessage, len(payloads))
	for i, payload := range payloads {
		msg, err := newOutboundMessage(exchanges[i], routes[i], payload, opts)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	confs := make([]*Confirmation, 0, len(msgs))
	var submitErr error
	for _, msg := range msgs {
		conf, err := rb.publishMessage(ctx, msg)
		if err != nil {
			submitErr = err
			break
		}
		confs = append(confs, conf)
	}

	for _, conf := range confs {
		if err := conf.Wait(ctx); err != nil {
			return err
		}
	}
	return submitErr
}

func (rb *RabbitClient) publishMessage(ctx context.Context, msg OutboundMessage) (*Confirmation, error) {
	ctx, span := startPublishSpan(ctx, msg)
	injectTrace(ctx, msg.headers)

	conf, err := rb.submit(ctx, newConfirmation(rb, msg, span))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		rb.observeOperation("produce", msg.Exchange, msg.RoutingKey, 0, err, int64(len(msg.Body)))
		return nil, err
	}
	return conf, nil
}

// submit publishes conf directly on a Ready channel, or queues it.
func (rb *RabbitClient) submit(ctx context.Context, conf *Confirmation) (*Confirmation, error) {
	rb.mu.Lock()
	switch {
	case rb.closed:
		rb.mu.Unlock()
		return nil, ErrClosed
	case rb.fatal != nil:
		err := rb.fatal
		rb.mu.Unlock()
		return nil, err
	}

	if rb.chanState == ChannelReady && !rb.flushing {
		s := rb.session
		rb.track()
		rb.mu.Unlock()
		if !s.publish(ctx, conf) {
			rb.requeue(s, []*Confirmation{conf})
		}
		return conf, nil
	}

	if len(rb.pending) >= rb.cfg.Channel.PendingPublishLimit {
		rb.mu.Unlock()
		return nil, ErrNotReady
	}
	rb.pending = append(rb.pending, conf)
	rb.track()
	rb.mu.Unlock()
	return conf, nil
}
