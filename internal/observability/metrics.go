// Package observability builds the prometheus collectors and the tracer provider.
package observability

import (
	"errors"
	"fmt"

	kitmetrics "github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var methodErrorLabels = []string{"method", "error"}

// Register registers c on reg and returns the collector to use. When an equal
// collector is already registered, that one is returned so updates reach the
// registry. A nil reg is a no-op.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("failed to register collector: %w", err)
	}
	return c, nil
}

// DBMetrics are the go-kit metrics consumed by the repository instrumenting middleware.
type DBMetrics struct {
	RequestCount    kitmetrics.Counter
	RequestDuration kitmetrics.Histogram
}

// NewDBMetrics registers db_request_count and db_request_duration on the
// default prometheus registry.
func NewDBMetrics(namespace, subsystem string) DBMetrics {
	return DBMetrics{
		RequestCount: kitprometheus.NewCounterFrom(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_request_count",
				Help:      "db request count",
			}, methodErrorLabels,
		),
		RequestDuration: kitprometheus.NewSummaryFrom(
			prometheus.SummaryOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_request_duration",
				Help:      "db request duration",
			}, methodErrorLabels,
		),
	}
}
