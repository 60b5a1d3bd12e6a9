// Package metrics exposes sync activity as Prometheus metrics. [Collector]
// plugs into the engine as a [sync.Hooks] listener; [Handler] serves the
// registry over HTTP.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/sync"
)

const namespace = "remotesync"

// Collector holds the sync metrics.
type Collector struct {
	registry *prometheus.Registry

	fetches   *prometheus.CounterVec
	fetched   *prometheus.CounterVec
	watermark *prometheus.GaugeVec
}

// New creates a Collector on its own registry, with the Go and process
// collectors registered alongside.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Number of remote fetches started, by collection.",
		}, []string{"collection"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_records_total",
			Help:      "Number of remote records received, by collection.",
		}, []string{"collection"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the last advanced watermark, by collection and scope.",
		}, []string{"collection", "scope"}),
	}
	reg.MustRegister(
		c.fetches, c.fetched, c.watermark,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Hooks returns the engine listener feeding this collector.
func (c *Collector) Hooks() sync.Hooks {
	return sync.Hooks{
		BeforeFetch: func(_ context.Context, collection string, _ model.FetchRequest) {
			c.fetches.WithLabelValues(collection).Inc()
		},
		AfterFetch: func(_ context.Context, collection string, count int) {
			c.fetched.WithLabelValues(collection).Add(float64(count))
		},
		WatermarkAdvanced: func(_ context.Context, collection string, scope model.Scope, t time.Time) {
			c.watermark.WithLabelValues(collection, scope.String()).Set(float64(t.UnixNano()) / 1e9)
		},
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
