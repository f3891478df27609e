package rabbit

import (
	"context"

	"github.com/Aleph-Alpha/amqpplus/v1/topology"
)

// Client is the public surface of *RabbitClient. Depend on it in code that
// publishes or consumes so tests can substitute a fake.
type Client interface {
	// Lifecycle

	Start() error
	WaitReady(ctx context.Context) error
	Close(ctx context.Context) error
	GracefulShutdown(ctx context.Context) error

	// Publishing

	Publish(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOptions) error
	PublishAsync(ctx context.Context, exchange, routingKey string, payload any, opts ...PublishOptions) (*Confirmation, error)
	SendToQueue(ctx context.Context, queue string, payload any, opts ...PublishOptions) error
	BulkPublish(ctx context.Context, exchange string, keys Targets, payloads []any, opts ...PublishOptions) error
	BulkSendToQueue(ctx context.Context, queues Targets, payloads []any, opts ...PublishOptions) error
	InFlight() int
	WaitForConfirms(ctx context.Context) error

	// Consuming

	Subscribe(ctx context.Context, queue string, handler Handler, opts ...SubscribeOptions) (*Subscription, error)

	// State and notifications

	On(t EventType, l Listener) (unsubscribe func())
	OnConnect(fn func(endpoint string)) (unsubscribe func())
	OnDisconnect(fn func(err error)) (unsubscribe func())
	ConnectionState() ConnectionState
	ChannelState() ChannelState
	Topology() *topology.Topology
}

var _ Client = (*RabbitClient)(nil)
