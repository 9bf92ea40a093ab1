// internal/monitoring/metrics.go
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumix-ai/stylize/internal/core"
)

// Optimizer event labels
const (
	EventNonDescent    = "non_descent"
	EventBump          = "bump"
	EventCurvatureSkip = "curvature_skip"
)

// Metrics - Prometheus instruments for style transfer runs. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	loss          prometheus.Gauge
	styleLoss     prometheus.Gauge
	contentLoss   prometheus.Gauge
	iterations    prometheus.Counter
	tiles         prometheus.Counter
	resizes       prometheus.Counter
	iterationTime prometheus.Histogram
	optimizer     *prometheus.CounterVec
	runs          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		loss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stylize",
			Name:      "loss",
			Help:      "Total loss of the latest iteration",
		}),
		styleLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stylize",
			Name:      "style_loss",
			Help:      "Style part of the latest iteration loss",
		}),
		contentLoss: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stylize",
			Name:      "content_loss",
			Help:      "Content part of the latest iteration loss",
		}),
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stylize",
			Name:      "iterations_total",
			Help:      "Completed optimization iterations",
		}),
		tiles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stylize",
			Name:      "tiles_total",
			Help:      "Tile gradient passes",
		}),
		resizes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stylize",
			Name:      "resizes_total",
			Help:      "Working image resolution switches",
		}),
		iterationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stylize",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one optimization iteration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		optimizer: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stylize",
			Name:      "optimizer_events_total",
			Help:      "Numerical events raised by the optimizer",
		}, []string{"event"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stylize",
			Name:      "runs_total",
			Help:      "Finished runs by status",
		}, []string{"status"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "stylize",
		Name:      "live_tensors",
		Help:      "Tensors allocated and not yet disposed",
	}, func() float64 { return float64(core.LiveTensors()) })

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIteration(d time.Duration, total, style, content float64) {
	if m == nil {
		return
	}
	m.iterations.Inc()
	m.iterationTime.Observe(d.Seconds())
	m.loss.Set(total)
	m.styleLoss.Set(style)
	m.contentLoss.Set(content)
}

func (m *Metrics) AddTiles(n int) {
	if m == nil {
		return
	}
	m.tiles.Add(float64(n))
}

func (m *Metrics) Resize() {
	if m == nil {
		return
	}
	m.resizes.Inc()
}

func (m *Metrics) OptimizerEvent(event string) {
	if m == nil {
		return
	}
	m.optimizer.WithLabelValues(event).Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}
