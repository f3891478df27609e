package rabbit

import (
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/amqpplus/v1/codec"
)

// Message is a delivery handed to a subscription handler.
//
// Unless the subscription uses NoAck, the handler must call exactly one of
// Ack, Nack or Reject. Forgetting to do so leaves the message unacknowledged
// until the channel closes, after which the broker redelivers it.
type Message struct {
	delivery amqp.Delivery
	queue    string
	noAck    bool
	settled  atomic.Bool
}

func newMessage(d amqp.Delivery, queue string, noAck bool) *Message {
	return &Message{delivery: d, queue: queue, noAck: noAck}
}

func (m *Message) Body() []byte { return m.delivery.Body }

func (m *Message) ContentType() string { return m.delivery.ContentType }

// Decode returns the payload in its original form: string, []byte or a
// generic JSON value, depending on the content type.
func (m *Message) Decode() (any, error) {
	return codec.Decode(m.delivery.Body, m.delivery.ContentType)
}

// DecodeInto unmarshals a JSON payload into v.
func (m *Message) DecodeInto(v any) error {
	return codec.DecodeInto(m.delivery.Body, m.delivery.ContentType, v)
}

func (m *Message) Headers() map[string]interface{} { return m.delivery.Headers }

func (m *Message) Queue() string { return m.queue }

func (m *Message) RoutingKey() string { return m.delivery.RoutingKey }

func (m *Message) Exchange() string { return m.delivery.Exchange }

func (m *Message) Redelivered() bool { return m.delivery.Redelivered }

func (m *Message) DeliveryTag() uint64 { return m.delivery.DeliveryTag }

func (m *Message) MessageID() string { return m.delivery.MessageId }

func (m *Message) CorrelationID() string { return m.delivery.CorrelationId }

func (m *Message) ReplyTo() string { return m.delivery.ReplyTo }

func (m *Message) Timestamp() time.Time { return m.delivery.Timestamp }

// Ack marks the message processed; the broker removes it from the queue.
func (m *Message) Ack() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.delivery.Ack(false)
}

// Nack marks processing failed; the broker requeues the message.
func (m *Message) Nack() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.delivery.Nack(false, true)
}

// Reject discards a message that can never be processed. With a dead-letter
// exchange configured on the queue the broker routes it there.
func (m *Message) Reject() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.delivery.Reject(false)
}

func (m *Message) settle() error {
	if m.noAck {
		return ErrAutoAck
	}
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}
