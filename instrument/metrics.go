package instrument

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallnest/checkpointgo/checkpoint"
)

// Metrics holds the Prometheus collectors a Saver reports to.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	writesTotal       prometheus.Counter
	tuplesListed      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkpoint",
				Name:      "operations_total",
				Help:      "Total number of checkpoint store operations",
			},
			[]string{"backend", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "checkpoint",
				Name:      "operation_duration_seconds",
				Help:      "Checkpoint store operation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"backend", "operation"},
		),
		writesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkpoint",
				Name:      "pending_writes_total",
				Help:      "Total number of pending writes staged",
			},
		),
		tuplesListed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkpoint",
				Name:      "tuples_listed_total",
				Help:      "Total number of checkpoint tuples yielded by listings",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.operationsTotal, m.operationDuration, m.writesTotal, m.tuplesListed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(backend, op, status(err)).Inc()
	m.operationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// status maps an error onto a low-cardinality label value.
func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case checkpoint.IsStorageError(err):
		return "storage_error"
	case checkpoint.IsSerializationError(err):
		return "serialization_error"
	case errors.Is(err, checkpoint.ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, checkpoint.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
