package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ MetricFactory = (*PrometheusFactory)(nil)

// PrometheusFactory is a MetricFactory backed by client_golang. Dotted
// metric names are exposed with underscores; counters gain a _total suffix.
type PrometheusFactory struct {
	reg     *prometheus.Registry
	factory promauto.Factory
	buckets []float64

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheusFactory creates a factory registering into its own registry.
// A nil buckets slice uses exponential buckets suited to token base units.
func NewPrometheusFactory(buckets []float64) *PrometheusFactory {
	if buckets == nil {
		buckets = prometheus.ExponentialBuckets(1, 10, 19)
	}
	reg := prometheus.NewRegistry()
	return &PrometheusFactory{
		reg:        reg,
		factory:    promauto.With(reg),
		buckets:    buckets,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter implements MetricFactory. Asking twice for a name returns the same
// collector.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := f.factory.NewCounter(prometheus.CounterOpts{
		Name: promName(name) + "_total",
		Help: "Count of " + name + " events",
	})
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := f.factory.NewHistogram(prometheus.HistogramOpts{
		Name:    promName(name),
		Help:    "Distribution of " + name,
		Buckets: f.buckets,
	})
	f.histograms[name] = h
	return h
}

// Registry returns the registry holding every metric created so far.
func (f *PrometheusFactory) Registry() *prometheus.Registry { return f.reg }

// Handler serves the registry in the Prometheus exposition format.
func (f *PrometheusFactory) Handler() http.Handler {
	return promhttp.HandlerFor(f.reg, promhttp.HandlerOpts{})
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
