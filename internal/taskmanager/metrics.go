package taskmanager

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"taskhub/internal/observability"
)

const metricsSubsystem = "task_runtime"

// runtimeMetrics holds Prometheus metrics for the Runtime.
type runtimeMetrics struct {
	taskProcessingDuration *prometheus.HistogramVec
	tasksProcessed         *prometheus.CounterVec
	missingHandler         *prometheus.CounterVec
	itemsSkipped           *prometheus.CounterVec
	inFlight               prometheus.Gauge
	requeued               prometheus.Counter
	cleaned                prometheus.Counter
}

// newRuntimeMetrics initializes the collectors and registers them on reg.
func newRuntimeMetrics(reg prometheus.Registerer, namespace string) (*runtimeMetrics, error) {
	m := &runtimeMetrics{
		taskProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: metricsSubsystem,
				Name:      "task_processing_duration_seconds",
				Help:      "Duration of task processing in seconds",
			},
			[]string{"worker", "kind", "status"},
		),
		tasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_processed_total",
				Help:      "Total number of processed tasks",
			},
			[]string{"worker", "kind", "status"},
		),
		missingHandler: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: metricsSubsystem,
				Name:      "missing_handler_total",
				Help:      "The total number of tasks that couldn't be processed due to missing handler",
			},
			[]string{"worker", "kind"},
		),
		itemsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: metricsSubsystem,
				Name:      "items_skipped_total",
				Help:      "Work items skipped after a skippable error",
			},
			[]string{"worker", "kind"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being processed by this process",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_requeued_total",
			Help:      "Tasks returned to the queue after their lease expired",
		}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_cleaned_total",
			Help:      "Finished tasks deleted by the retention cleaner",
		}),
	}

	var errs [7]error
	m.taskProcessingDuration, errs[0] = observability.Register(reg, m.taskProcessingDuration)
	m.tasksProcessed, errs[1] = observability.Register(reg, m.tasksProcessed)
	m.missingHandler, errs[2] = observability.Register(reg, m.missingHandler)
	m.itemsSkipped, errs[3] = observability.Register(reg, m.itemsSkipped)
	m.inFlight, errs[4] = observability.Register(reg, m.inFlight)
	m.requeued, errs[5] = observability.Register(reg, m.requeued)
	m.cleaned, errs[6] = observability.Register(reg, m.cleaned)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return m, nil
}
