// Package tracer sets up OpenTelemetry tracing for amqpplus.
//
// NewClient installs a TracerProvider and the W3C trace-context plus baggage
// propagator as the otel globals. The rabbit package relies on those globals:
// publishes start a "rabbit.publish" span and inject its context into the
// message headers, and deliveries extract it into the handler context.
//
// Spans are exported over OTLP/HTTP when Config.EnableExport is set. The
// exporter honours the standard OTEL_EXPORTER_OTLP_* environment variables;
// Config.Endpoint overrides the endpoint when set.
//
//	t, err := tracer.NewClient(tracer.Config{ServiceName: "order-relay", AppEnv: "prod"}, log)
//	ctx, span := t.StartSpan(ctx, "handle-order")
//	defer span.End()
package tracer
