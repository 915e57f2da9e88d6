package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the delivery core's collectors. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	reg *prometheus.Registry

	DisplayAttempts *prometheus.CounterVec // by path, outcome
	Delivered       prometheus.Counter
	Duplicates      prometheus.Counter
	AutoOpened      prometheus.Counter
	FetchFailures   prometheus.Counter
	Fetched         prometheus.Counter
	PollerFailures  prometheus.Gauge
	Mode            *prometheus.GaugeVec // by mode, 1 for the active one
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		DisplayAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edunotify_display_attempts_total",
			Help: "Display attempts per display path and outcome",
		}, []string{"path", "outcome"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "edunotify_delivered_total",
			Help: "Notifications confirmed delivered to the backend",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "edunotify_duplicates_total",
			Help: "Notifications skipped because their id was already delivered",
		}),
		AutoOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "edunotify_auto_opened_total",
			Help: "Notifications that triggered automatic navigation",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "edunotify_poll_fetch_failures_total",
			Help: "Failed polling fetches",
		}),
		Fetched: f.NewCounter(prometheus.CounterOpts{
			Name: "edunotify_poll_fetched_total",
			Help: "Notifications returned by polling fetches",
		}),
		PollerFailures: f.NewGauge(prometheus.GaugeOpts{
			Name: "edunotify_poll_consecutive_failures",
			Help: "Current consecutive polling failure count",
		}),
		Mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edunotify_delivery_mode",
			Help: "Active delivery mode (1 for the active one)",
		}, []string{"mode"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDisplay(path, outcome string) {
	if m == nil {
		return
	}
	m.DisplayAttempts.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveDelivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) ObserveDuplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) ObserveAutoOpen() {
	if m != nil {
		m.AutoOpened.Inc()
	}
}

func (m *Metrics) ObserveFetch(n int, err error, consecutiveFailures int) {
	if m == nil {
		return
	}
	if err != nil {
		m.FetchFailures.Inc()
	} else {
		m.Fetched.Add(float64(n))
	}
	m.PollerFailures.Set(float64(consecutiveFailures))
}

// SetMode marks mode as the only active one.
func (m *Metrics) SetMode(mode string) {
	if m == nil {
		return
	}
	for _, v := range []string{"push", "polling", "disabled"} {
		val := 0.0
		if v == mode {
			val = 1
		}
		m.Mode.WithLabelValues(v).Set(val)
	}
}
