package tracer

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/amqpplus/v1/logger"
)

// FXModule provides *Tracer and flushes it on application stop.
var FXModule = fx.Module("tracer",
	fx.Provide(
		NewClientWithDI,
	),
	fx.Invoke(RegisterTracerLifecycle),
)

// TracerParams groups the dependencies of NewClientWithDI.
type TracerParams struct {
	fx.In

	Config Config
	Logger *logger.LoggerClient `optional:"true"`
}

// NewClientWithDI builds a Tracer from injected dependencies.
func NewClientWithDI(params TracerParams) (*Tracer, error) {
	var log Logger
	if params.Logger != nil {
		log = params.Logger
	}
	return NewClient(params.Config, log)
}

// RegisterTracerLifecycle shuts the provider down on stop so buffered spans
// reach the exporter.
func RegisterTracerLifecycle(lc fx.Lifecycle, t *Tracer) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if t.logger != nil {
				t.logger.Info("shutting down tracer", nil, nil)
			}
			return t.Shutdown(ctx)
		},
	})
}
