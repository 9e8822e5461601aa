package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	activeConnections   prometheus.Gauge
	rejectedConnections *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	deliveryLatency     prometheus.Histogram
	errors              *prometheus.CounterVec
	cacheOps            *prometheus.CounterVec
	writes              *prometheus.CounterVec
	circuitState        *prometheus.GaugeVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the sync-core collectors, plus the Go and process
// collectors, on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of websocket connections currently attached to this process",
		}),
		rejectedConnections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections refused before becoming active",
		}, []string{"reason"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Frames received from clients",
		}, []string{"kind"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Frames written to clients",
		}, []string{"kind"}),
		deliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from event timestamp to socket write",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Absorbed failures by component",
		}, []string{"component", "reason"}),
		cacheOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache operations by outcome",
		}, []string{"op", "result"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_writes_total",
			Help:      "Entity write attempts by outcome",
		}, []string{"result"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ConnectionOpened() { p.activeConnections.Inc() }
func (p *Prometheus) ConnectionClosed() { p.activeConnections.Dec() }

func (p *Prometheus) ConnectionRejected(reason string) {
	p.rejectedConnections.WithLabelValues(reason).Inc()
}

func (p *Prometheus) MessageReceived(kind string) { p.messagesReceived.WithLabelValues(kind).Inc() }
func (p *Prometheus) MessageSent(kind string)     { p.messagesSent.WithLabelValues(kind).Inc() }

func (p *Prometheus) DeliveryLatency(d time.Duration) {
	p.deliveryLatency.Observe(d.Seconds())
}

func (p *Prometheus) Error(component, reason string) {
	p.errors.WithLabelValues(component, reason).Inc()
}

func (p *Prometheus) CacheResult(op, result string) {
	p.cacheOps.WithLabelValues(op, result).Inc()
}

func (p *Prometheus) WriteResult(result string) { p.writes.WithLabelValues(result).Inc() }

func (p *Prometheus) CircuitState(name string, state int) {
	p.circuitState.WithLabelValues(name).Set(float64(state))
}
