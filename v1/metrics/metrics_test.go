package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/amqpplus/v1/observability"
)

func TestObserveOperation(t *testing.T) {
	m := NewMetrics(Config{Namespace: "amqpplus", ServiceName: "test"})
	obs := m.Observer()

	obs.ObserveOperation(observability.OperationContext{
		Component: "rabbit",
		Operation: "produce",
		Resource:  "ex-1",
		Duration:  20 * time.Millisecond,
		Size:      128,
	})
	obs.ObserveOperation(observability.OperationContext{
		Component: "rabbit",
		Operation: "produce",
		Resource:  "ex-1",
		Error:     errors.New("nacked"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("rabbit", "produce", "ex-1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("rabbit", "produce", "ex-1", "error")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.operationBytes.WithLabelValues("rabbit", "produce")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.operationDuration))
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics(Config{Namespace: "amqpplus", ServiceName: "relay"})
	m.ObserveOperation(observability.OperationContext{Component: "rabbit", Operation: "reconnect", Resource: "amqp://broker-1"})

	rec := httptest.NewRecorder()
	m.Server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `amqpplus_operations_total{component="rabbit",operation="reconnect",resource="amqp://broker-1",service="relay",status="success"} 1`), body)
}

func TestCreateCustomMetrics(t *testing.T) {
	m := NewMetrics(Config{ServiceName: "relay"})

	gauge := m.CreateGauge("pending_publishes", "Queued publishes", []string{"client"})
	gauge.WithLabelValues("a").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(gauge.WithLabelValues("a")))

	counter := m.CreateCounter("redeliveries_total", "Redelivered messages", []string{"queue"})
	counter.WithLabelValues("q-1").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("q-1")))

	assert.Equal(t, DefaultMetricsAddress, m.Server.Addr)
}
