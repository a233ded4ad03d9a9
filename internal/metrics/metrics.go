package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wirechat"

// Metrics holds the relay and session collectors registered on one registry.
// It satisfies both relay.Metrics and core.Recorder.
type Metrics struct {
	connections prometheus.Gauge
	topics      prometheus.Gauge
	published   prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter

	eventsApplied *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	degraded      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Relay clients currently connected.",
		}),
		topics: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "topics",
			Help:      "Relay topics with at least one subscriber.",
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_published_total",
			Help:      "Payloads published to the relay.",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_delivered_total",
			Help:      "Payload copies queued to subscribers.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Payload copies skipped because a subscriber was slow.",
		}),
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_applied_total",
			Help:      "Reconciler events applied, by kind.",
		}, []string{"kind"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duplicates_suppressed_total",
			Help:      "Arrivals merged into an existing view entry, by source.",
		}, []string{"source"}),
		degraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "degraded",
			Help:      "1 while a session component is degraded.",
		}, []string{"component"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the relay.",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) ClientConnected()    { m.connections.Inc() }
func (m *Metrics) ClientDisconnected() { m.connections.Dec() }
func (m *Metrics) TopicsChanged(n int) { m.topics.Set(float64(n)) }

func (m *Metrics) Published(delivered, dropped int) {
	m.published.Inc()
	m.delivered.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}

func (m *Metrics) EventApplied(kind string) {
	m.eventsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) DuplicateSuppressed(source string) {
	m.duplicates.WithLabelValues(source).Inc()
}

func (m *Metrics) DegradedChanged(component string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.degraded.WithLabelValues(component).Set(v)
}

// Middleware records request counts and latency. Paths are the matched route
// templates so label cardinality stays bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
