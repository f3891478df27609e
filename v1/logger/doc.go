// Package logger provides the structured, zap backed logger used across amqpplus.
//
// The rabbit client does not depend on this package directly. It accepts any
// value implementing its narrow context-aware Logger interface, which
// *LoggerClient satisfies, so applications can keep their own logger.
//
// # Architecture
//
//   - Logger interface: the full logging contract
//   - LoggerClient struct: zap implementation of Logger
//   - NewLoggerClient constructor: returns *LoggerClient
//   - FXModule: provides *LoggerClient and Logger and flushes on shutdown
//
// # Direct Usage (Without FX)
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:         logger.Info,
//		ServiceName:   "billing-consumer",
//		EnableTracing: true,
//	})
//
//	client, err := rabbit.NewClient(cfg)
//	if err != nil {
//		log.Fatal("invalid broker configuration", err, nil)
//	}
//	client = client.WithLogger(log)
//
// # Context-Aware Logging
//
// With EnableTracing set, the *WithContext methods add the OpenTelemetry
// trace_id and span_id of the span carried by ctx. Handlers registered with
// rabbit.Subscribe receive a ctx that already carries the publisher's trace,
// so consumer logs correlate with the publishing request:
//
//	client.Subscribe(ctx, "q-1", func(ctx context.Context, msg *rabbit.Message) {
//		log.InfoWithContext(ctx, "order received", nil, map[string]interface{}{
//			"routing_key": msg.RoutingKey(),
//		})
//		_ = msg.Ack()
//	})
//
// # Configuration
//
//	level: info            # debug, info, warning, error
//	serviceName: relay
//	enableTracing: true
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package logger
