package middleware

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"unary-rpc/dispatch"
)

// Metrics records per-method call counts and latencies.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the call metrics and registers them with reg. If equal
// collectors are already registered, those are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_server_calls_total",
			Help: "Completed calls by service, method and status code.",
		}, []string{"service", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_server_call_duration_seconds",
			Help:    "Call latency by service and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
	}
	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records rep. It is a dispatch.Observer.
func (m *Metrics) Observe(rep dispatch.Report) {
	m.calls.WithLabelValues(rep.Service, rep.Method, rep.Code.String()).Inc()
	m.duration.WithLabelValues(rep.Service, rep.Method).Observe(rep.Duration.Seconds())
}
