package workflow

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records engine operation counts and latencies.
type Metrics struct {
	Operations   *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	AutoApproved prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them on reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approval",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by operation and result.",
		}, []string{"op", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "approval",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including storage round trips.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
		AutoApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approval",
			Subsystem: "engine",
			Name:      "auto_approved_steps_total",
			Help:      "Steps approved by the auto-approval sweep.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Operations, m.Latency, m.AutoApproved} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}
