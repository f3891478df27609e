package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aleph-Alpha/amqpplus/v1/observability"
)

// MetricsCollector is the contract implemented by *Metrics.
type MetricsCollector interface {
	// ObserveOperation records one observed operation.
	ObserveOperation(ctx observability.OperationContext)

	// Observer returns an observability.Observer backed by these metrics.
	Observer() observability.Observer

	// CreateCounter creates and registers a CounterVec.
	CreateCounter(name, help string, labels []string) *prometheus.CounterVec

	// CreateHistogram creates and registers a HistogramVec.
	CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec

	// CreateGauge creates and registers a GaugeVec.
	CreateGauge(name, help string, labels []string) *prometheus.GaugeVec
}
