package rabbit

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/amqpplus/v1/observability"
)

// FXModule provides *RabbitClient and Client, starts the client with the
// application and shuts it down gracefully on stop.
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule, // optional, instruments the client
//		rabbit.FXModule,
//		fx.Provide(func() rabbit.Config { return cfg }),
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewClientWithDI,
		fx.Annotate(
			func(r *RabbitClient) Client { return r },
			fx.As(new(Client)),
		),
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies of NewClientWithDI. Logger and
// Observer are optional.
type RabbitParams struct {
	fx.In

	Config   Config
	Logger   Logger                 `optional:"true"`
	Observer observability.Observer `optional:"true"`
	Dialer   Dialer                 `optional:"true"`
}

// NewClientWithDI builds a client from injected dependencies.
func NewClientWithDI(params RabbitParams) (*RabbitClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}

	if params.Logger != nil {
		client.WithLogger(params.Logger)
	}
	if params.Observer != nil {
		client.WithObserver(params.Observer)
	}
	if params.Dialer != nil {
		client.WithDialer(params.Dialer)
	}

	return client, nil
}

// RabbitLifecycleParams groups the dependencies of RegisterRabbitLifecycle.
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *RabbitClient
}

// RegisterRabbitLifecycle starts the supervisors on application start. Start
// does not wait for the broker, so an unreachable broker does not block the
// application. On stop outstanding confirmations are awaited within the stop
// timeout before the client closes.
func RegisterRabbitLifecycle(params RabbitLifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return params.Client.Start()
		},
		OnStop: func(ctx context.Context) error {
			return params.Client.GracefulShutdown(ctx)
		},
	})
}
