// Package metrics exports engine observations to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loyalty-engine/loyalty"
)

const namespace = "loyalty"

// Prometheus implements loyalty.Metrics.
type Prometheus struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	clamps     prometheus.Counter
	conflicts  *prometheus.CounterVec
	publishErr prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A *prometheus.Registry is both
// Registerer and Gatherer; pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		clamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_clamped_total",
			Help:      "Reverts that would have left lifetime spend negative.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_retried_total",
			Help:      "Version conflicts retried by the engine.",
		}, []string{"op"}),
		publishErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_publish_failures_total",
			Help:      "Change feed events that could not be delivered after commit.",
		}),
	}
	reg.MustRegister(p.operations, p.duration, p.clamps, p.conflicts, p.publishErr)
	if g, ok := reg.(prometheus.Gatherer); ok {
		p.gatherer = g
	} else {
		p.gatherer = prometheus.DefaultGatherer
	}
	return p
}

func (p *Prometheus) ObserveOperation(op string, elapsed time.Duration, err error) {
	p.operations.WithLabelValues(op, Result(err)).Inc()
	p.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (p *Prometheus) SpendClamped() { p.clamps.Inc() }

func (p *Prometheus) ConflictRetried(op string) { p.conflicts.WithLabelValues(op).Inc() }

func (p *Prometheus) PublishFailed() { p.publishErr.Inc() }

// Handler serves the registry this instance was registered with.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Result buckets an error into a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case loyalty.IsNotFound(err):
		return "not_found"
	case loyalty.IsClientError(err):
		return "invalid"
	case loyalty.IsRetryable(err):
		return "conflict"
	case errors.Is(err, loyalty.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
