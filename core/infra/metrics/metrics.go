package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RPCMetrics captures correlated calls made by the gateway.
type RPCMetrics interface {
	ObserveCall(topic, outcome string, durationSeconds float64)
}

// DispatchMetrics captures worker-side message handling.
type DispatchMetrics interface {
	IncReceived(topic string)
	IncReplied(topic, status string)
	IncDropped(topic, reason string)
}

// GatewayMetrics captures request metrics for the HTTP API.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// AuthMetrics counts middleware decisions per path category.
type AuthMetrics interface {
	IncDecision(category, outcome string)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveCall(string, string, float64)            {}
func (Noop) IncReceived(string)                             {}
func (Noop) IncReplied(string, string)                      {}
func (Noop) IncDropped(string, string)                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncDecision(string, string)                     {}

// Prom implements RPCMetrics, DispatchMetrics and AuthMetrics with Prometheus
// collectors registered on the default registerer.
type Prom struct {
	calls     *prometheus.CounterVec
	callTime  *prometheus.HistogramVec
	received  *prometheus.CounterVec
	replied   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	decisions *prometheus.CounterVec
	once      sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Correlated calls by topic and outcome",
		}, []string{"topic", "outcome"}),
		callTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Correlated call latency by topic",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_received_total",
			Help:      "Messages received by topic",
		}, []string{"topic"}),
		replied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_replied_total",
			Help:      "Replies written by topic and status",
		}, []string{"topic", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Messages dropped without a reply by topic and reason",
		}, []string{"topic", "reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Auth middleware decisions by path category and outcome",
		}, []string{"category", "outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.calls, p.callTime, p.received, p.replied, p.dropped, p.decisions)
	})
}

func (p *Prom) ObserveCall(topic, outcome string, durationSeconds float64) {
	p.calls.WithLabelValues(topic, outcome).Inc()
	p.callTime.WithLabelValues(topic).Observe(durationSeconds)
}

func (p *Prom) IncReceived(topic string) {
	p.received.WithLabelValues(topic).Inc()
}

func (p *Prom) IncReplied(topic, status string) {
	p.replied.WithLabelValues(topic, status).Inc()
}

func (p *Prom) IncDropped(topic, reason string) {
	p.dropped.WithLabelValues(topic, reason).Inc()
}

func (p *Prom) IncDecision(category, outcome string) {
	p.decisions.WithLabelValues(category, outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
