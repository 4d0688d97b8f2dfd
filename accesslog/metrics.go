package accesslog

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/baremetalphp/appserver/message"
	"github.com/baremetalphp/appserver/static"
)

// MetricsConfig configures the request metrics.
type MetricsConfig struct {
	Namespace string
	Buckets   []float64
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Metrics is a Logger that counts requests instead of writing lines.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewMetrics registers the request metrics with cfg.Registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "baremetal"
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "requests_total",
			Help:      "Requests served, by dispatch branch and status code.",
		}, []string{"branch", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from accepting a request to its access-log entry.",
			Buckets:   cfg.Buckets,
		}, []string{"branch"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes written.",
		}, []string{"branch"}),
	}
}

func (m *Metrics) LogStatic(r *http.Request, resp *static.Response) {
	m.observe(newEntry(r, resp.Status, BranchStatic))
}

func (m *Metrics) LogDynamic(r *http.Request, resp *message.Response) {
	m.observe(newEntry(r, statusOf(resp), BranchDynamic))
}

func (m *Metrics) observe(e Entry) {
	branch := string(e.Branch)
	m.requests.WithLabelValues(branch, strconv.Itoa(e.Status)).Inc()
	m.duration.WithLabelValues(branch).Observe(e.Duration.Seconds())
	m.bytes.WithLabelValues(branch).Add(float64(e.Bytes))
}
