package rabbit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. The default implementation is
// AMQPDialer; tests substitute an in-memory broker.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Connection, error) {
	return f(ctx, endpoint)
}

// Connection is the part of *amqp.Connection the client uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the part of *amqp.Channel the client uses. *amqp.Channel
// satisfies it directly.
type Channel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// AMQPDialer dials real brokers with amqp091-go.
type AMQPDialer struct {
	cfg ConnectionConfig
}

// NewAMQPDialer returns a Dialer using the TLS, heartbeat and timeout
// settings of cfg.
func NewAMQPDialer(cfg ConnectionConfig) *AMQPDialer {
	return &AMQPDialer{cfg: cfg}
}

// Dial connects to endpoint. amqps:// endpoints use TLS, with a client
// certificate when UseCert is set. The dial is abandoned when ctx ends.
func (d *AMQPDialer) Dial(ctx context.Context, endpoint string) (Connection, error) {
	config := amqp.Config{
		Heartbeat: d.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(d.cfg.DialTimeout),
	}

	if strings.HasPrefix(endpoint, "amqps://") {
		tlsConfig, err := d.tlsConfig()
		if err != nil {
			return nil, err
		}
		config.TLSClientConfig = tlsConfig
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(endpoint, config)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return amqpConnection{r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *AMQPDialer) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: d.cfg.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if d.cfg.CACertPath != "" {
		caCert, err := os.ReadFile(d.cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", d.cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	if d.cfg.UseCert {
		cert, err := tls.LoadX509KeyPair(d.cfg.ClientCertPath, d.cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// redactURL hides the password of an endpoint for logs and events.
func redactURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
