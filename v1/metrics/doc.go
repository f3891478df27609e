// Package metrics exposes Prometheus metrics for amqpplus components.
//
// Metrics owns an isolated registry and an HTTP server serving /metrics. Its
// Observer method returns an observability.Observer that the rabbit client
// reports every publish, delivery, reconnect and channel setup to, producing:
//
//	<ns>_operations_total{component,operation,resource,status}
//	<ns>_operation_duration_seconds{component,operation}
//	<ns>_operation_bytes_total{component,operation}
//
// All series carry a constant service="<ServiceName>" label.
//
// # Direct Usage (Without FX)
//
//	m := metrics.NewMetrics(metrics.Config{
//		Address:     ":9090",
//		Namespace:   "amqpplus",
//		ServiceName: "order-relay",
//	})
//	go m.Server.ListenAndServe()
//
//	client, _ := rabbit.NewClient(cfg)
//	client = client.WithObserver(m.Observer())
//
// # FX Module Integration
//
// FXModule provides *Metrics, the MetricsCollector interface and an
// observability.Observer, so adding it next to rabbit.FXModule is enough to
// instrument the client:
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule,
//		rabbit.FXModule,
//		fx.Provide(loadConfigs),
//	)
package metrics
