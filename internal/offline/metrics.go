package offline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	registry     *prometheus.Registry
	intercepts   *prometheus.CounterVec
	enqueued     *prometheus.CounterVec
	replays      *prometheus.CounterVec
	installFails prometheus.Counter
	syncRuns     *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	online       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_sw_intercepts_total",
			Help: "Intercepted requests by strategy and result",
		}, []string{"strategy", "result"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_sw_queue_enqueued_total",
			Help: "Mutations handed to the pending-write queue",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_sw_queue_replays_total",
			Help: "Replay attempts by outcome",
		}, []string{"outcome"}),
		installFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collectr_sw_install_asset_failures_total",
			Help: "Precache assets that could not be fetched during install",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collectr_sw_sync_runs_total",
			Help: "Sync tag invocations",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collectr_sw_queue_rows",
			Help: "Rows in the pending-write queue",
		}, []string{"list"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collectr_sw_backend_online",
			Help: "1 when the last connectivity probe succeeded",
		}),
	}
	m.registry.MustRegister(
		m.intercepts, m.enqueued, m.replays, m.installFails,
		m.syncRuns, m.queueDepth, m.online,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeIntercept(strategy, result string) {
	if m == nil {
		return
	}
	m.intercepts.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) observeEnqueue(ok bool) {
	if m == nil {
		return
	}
	result := "queued"
	if !ok {
		result = "dropped"
	}
	m.enqueued.WithLabelValues(result).Inc()
}

func (m *Metrics) observeReplay(o replayOutcome) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeInstallFailure() {
	if m == nil {
		return
	}
	m.installFails.Inc()
}

func (m *Metrics) observeSync(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) setQueueDepth(pending, dead int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("dead").Set(float64(dead))
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}
