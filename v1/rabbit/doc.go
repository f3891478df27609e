// Package rabbit is a declarative, self-healing RabbitMQ client.
//
// Applications describe the broker endpoints and the topology (exchanges,
// queues, bindings) once. The client keeps a single connection and a single
// confirm channel alive, replays the whole topology on every new channel
// before using it, and re-attaches subscriptions after every reconnect.
//
// # Architecture
//
// The package follows the "accept interfaces, return structs" pattern:
//   - Client interface: the contract for publishing, consuming and lifecycle
//   - RabbitClient struct: the implementation, returned by NewClient
//   - Dialer, Connection, Channel: the broker transport boundary, satisfied by
//     amqp091-go and replaceable in tests
//   - FX module: provides both *RabbitClient and Client
//
// Two supervisors run on one goroutine:
//
//	connection: Disconnected -> Connecting -> Connected -> Disconnected ...
//	channel:    Closed -> SettingUp -> Ready -> Closed ...
//	                          \-> Erroring -> SettingUp (retry)
//
// Endpoints are tried round-robin with exponential backoff. On each
// connection the channel supervisor opens a confirm channel, declares every
// exchange, then every queue, then every binding key, re-attaches every
// subscription and only then becomes Ready. A failed step emits
// channel:error and is retried with backoff. A declaration the broker
// refuses with PRECONDITION_FAILED (an exchange or queue that already exists
// with other arguments) is a configuration error: the client stops retrying
// and fails publishes with it.
//
// # Direct Usage (Without FX)
//
//	cfg, err := rabbit.ParseConfig(yamlBytes)
//	if err != nil {
//		return err
//	}
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		return err // *topology.ConfigError
//	}
//	client = client.
//		WithLogger(log).
//		WithObserver(metrics.Observer())
//
//	client.On(rabbit.EventTypeChannelError, func(e rabbit.Event) {
//		ev := e.(rabbit.EventChannelError)
//		log.Error("channel setup failed at "+ev.Name, ev.Err, nil)
//	})
//
//	if err := client.Start(); err != nil {
//		return err
//	}
//	defer client.GracefulShutdown(context.Background())
//
// # Publishing
//
// Every publish is confirmed by the broker. Publish blocks until then;
// PublishAsync returns a *Confirmation to wait on later. Confirmations of one
// channel resolve in the order the messages were sent.
//
//	err := client.Publish(ctx, "ex-1", "key-1", order, rabbit.PublishOptions{
//		Persistent: true,
//		Expiration: time.Minute,
//	})
//
//	err = client.SendToQueue(ctx, "q-1", "plain text")
//
//	// one key for all payloads, or one key per payload
//	err = client.BulkPublish(ctx, "ex-1", rabbit.To("key-1"), []any{m1, m2, m3})
//	err = client.BulkPublish(ctx, "ex-1", rabbit.Each("key-1", "key-2"), []any{m1, m2})
//	err = client.BulkSendToQueue(ctx, rabbit.Each("q-1", "q-2"), []any{m1, m2})
//
// While the channel is not Ready publishes are queued, up to
// ChannelConfig.PendingPublishLimit, and sent in order once it is. A full
// queue fails fast with ErrNotReady. Close fails everything queued or
// unconfirmed with ErrClosed.
//
// # Consuming
//
//	sub, err := client.Subscribe(ctx, "q-1", func(ctx context.Context, msg *rabbit.Message) {
//		if err := handle(ctx, msg.Body()); err != nil {
//			_ = msg.Nack() // requeue
//			return
//		}
//		_ = msg.Ack()
//	}, rabbit.SubscribeOptions{})
//	defer sub.Cancel()
//
// Exactly one of Ack, Nack or Reject must be called per message unless NoAck
// is set. Subscriptions keep their consumer tag across reconnects.
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule,
//		rabbit.FXModule,
//		fx.Provide(
//			loadRabbitConfig, // returns rabbit.Config
//			func(l *logger.LoggerClient) rabbit.Logger { return l },
//		),
//	)
//
// The client starts with the application without waiting for the broker and
// on stop waits for outstanding confirmations before closing.
//
// # Observability
//
// With an observer attached the client reports connect, channel_setup,
// produce and consume operations through observability.OperationContext.
// Publishes start a "rabbit.publish" producer span and carry its W3C trace
// context in the message headers; handlers receive a context with the
// extracted remote span.
//
// # Thread Safety
//
// All RabbitClient methods are safe for concurrent use. Event listeners run
// synchronously on the supervisor goroutine, outside internal locks, and
// should return quickly.
package rabbit
