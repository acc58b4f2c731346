// Package metrics exposes decision-loop instrumentation to Prometheus on a
// private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const namespace = "polyhft"

// Recorder implements engine.Metrics.
type Recorder struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	intents       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	orders        *prometheus.CounterVec
	orderLatency  *prometheus.HistogramVec
	cycleDuration prometheus.Histogram

	exposure      prometheus.Gauge
	openPositions prometheus.Gauge
	realizedPnL   prometheus.Gauge
	killSwitch    prometheus.Gauge
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Gateway events processed by the decision loop.",
		}, []string{"kind"}),
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Trade intents produced by the strategy.",
		}, []string{"action"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Intents rejected by the risk manager, by check.",
		}, []string{"check"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders that reached a terminal status.",
		}, []string{"status"}),
		orderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_latency_seconds",
			Help:      "Time from order request to terminal report.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"status"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one decision cycle for one token.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exposure_usd",
			Help:      "Total open exposure at entry cost.",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open positions.",
		}),
		realizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usd",
			Help:      "Realized profit and loss since start.",
		}),
		killSwitch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kill_switch_active",
			Help:      "1 while the kill switch is active.",
		}),
	}
}

// EventProcessed counts one gateway event.
func (r *Recorder) EventProcessed(kind string) { r.events.WithLabelValues(kind).Inc() }

// IntentEvaluated counts one strategy intent.
func (r *Recorder) IntentEvaluated(action string) { r.intents.WithLabelValues(action).Inc() }

// IntentRejected counts one risk rejection.
func (r *Recorder) IntentRejected(check string) { r.rejections.WithLabelValues(check).Inc() }

// OrderFinished counts a terminal order and records its latency.
func (r *Recorder) OrderFinished(status string, latency time.Duration) {
	r.orders.WithLabelValues(status).Inc()
	if latency > 0 {
		r.orderLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

// CycleDuration records one decision cycle.
func (r *Recorder) CycleDuration(d time.Duration) { r.cycleDuration.Observe(d.Seconds()) }

// ObserveInventory updates the position gauges.
func (r *Recorder) ObserveInventory(inv domain.Inventory) {
	r.exposure.Set(inv.TotalExposure)
	r.openPositions.Set(float64(len(inv.Positions)))
	r.realizedPnL.Set(inv.RealizedPnL)
}

// SetKillSwitch mirrors the kill switch state.
func (r *Recorder) SetKillSwitch(state domain.KillSwitchState) {
	if state.Active {
		r.killSwitch.Set(1)
		return
	}
	r.killSwitch.Set(0)
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
