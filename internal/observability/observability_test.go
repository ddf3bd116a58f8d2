package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_ReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Name: "demo_total", Help: "demo"}

	first, err := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))
	require.NoError(t, err)
	second, err := Register(reg, prometheus.NewCounterVec(opts, []string{"kind"}))
	require.NoError(t, err)
	assert.Same(t, first, second)

	second.WithLabelValues("a").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.WithLabelValues("a")))

	gauge, err := Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "demo_gauge", Help: "demo"}))
	require.NoError(t, err)
	again, err := Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "demo_gauge", Help: "demo"}))
	require.NoError(t, err)
	again.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(gauge))

	_, err = Register(reg, prometheus.NewCounterVec(opts, []string{"other"}))
	assert.Error(t, err)

	own := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregistered_total", Help: "demo"})
	got, err := Register[prometheus.Counter](nil, own)
	require.NoError(t, err)
	assert.Same(t, own, got)
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Exporter: "none"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(TracingConfig{Exporter: "jaeger"})
	assert.Error(t, err)

	shutdown, err = InitTracing(TracingConfig{Exporter: "stdout", ServiceName: "taskhub-test"})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "test")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}
