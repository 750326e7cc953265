// metrics - Prometheus-метрики координатора обновления токенов.
// Nil *Refresh допустим: все методы становятся no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authsession"

// Результаты эпизода обновления.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultNoRefresh   = "no_refresh_token"
	ResultStaleReplay = "stale_replay"
	ResultSuperseded  = "superseded"
)

type Refresh struct {
	renewals *prometheus.CounterVec
	queued   prometheus.Counter
	waiting  prometheus.Gauge
	duration prometheus.Histogram
}

// NewRefresh создаёт и регистрирует метрики в reg.
// reg == nil - метрики создаются, но не регистрируются (удобно в тестах).
func NewRefresh(reg prometheus.Registerer) *Refresh {
	m := &Refresh{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "episodes_total",
			Help:      "Refresh episodes by result.",
		}, []string{"result"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "queued_requests_total",
			Help:      "Requests that waited for an in-flight refresh.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "waiting_requests",
			Help:      "Requests currently waiting for a refresh.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "renewal_duration_seconds",
			Help:      "Duration of the renewal call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.renewals, m.queued, m.waiting, m.duration)
	}

	return m
}

func (m *Refresh) Episode(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Refresh) Enqueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
	m.waiting.Inc()
}

func (m *Refresh) Dequeued(n int) {
	if m == nil || n == 0 {
		return
	}
	m.waiting.Sub(float64(n))
}

func (m *Refresh) ObserveRenewal(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
