package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	rebuilds      prom.Counter
	emitDuration  prom.Histogram
	assetsEmitted prom.Counter
	assetsSkipped prom.Counter
	cacheResults  *prom.CounterVec
	watchedFiles  prom.Gauge
}

// NewPrometheusRecorder constructs and registers the engine metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "bundler",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bundler",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		rebuilds: prom.NewCounter(prom.CounterOpts{
			Namespace: "bundler",
			Name:      "rebuilds_total",
			Help:      "Incremental rebuilds triggered by watch mode",
		}),
		emitDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "bundler",
			Name:      "emit_duration_seconds",
			Help:      "Duration of the asset emission phase",
			Buckets:   prom.DefBuckets,
		}),
		assetsEmitted: prom.NewCounter(prom.CounterOpts{
			Namespace: "bundler",
			Name:      "assets_emitted_total",
			Help:      "Assets written to the output filesystem",
		}),
		assetsSkipped: prom.NewCounter(prom.CounterOpts{
			Namespace: "bundler",
			Name:      "assets_skipped_total",
			Help:      "Assets skipped because on-disk content already matched",
		}),
		cacheResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bundler",
			Name:      "cache_results_total",
			Help:      "Cache lookups by backend stage and result",
		}, []string{"stage", "result"}),
		watchedFiles: prom.NewGauge(prom.GaugeOpts{
			Namespace: "bundler",
			Name:      "watched_files",
			Help:      "Files covered by the active watcher",
		}),
	}
	reg.MustRegister(
		pr.buildDuration, pr.buildOutcome, pr.rebuilds, pr.emitDuration,
		pr.assetsEmitted, pr.assetsSkipped, pr.cacheResults, pr.watchedFiles,
	)
	return pr
}

func (pr *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	pr.buildDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncBuildOutcome(outcome string) {
	pr.buildOutcome.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) IncRebuild() {
	pr.rebuilds.Inc()
}

func (pr *PrometheusRecorder) ObserveEmitDuration(d time.Duration) {
	pr.emitDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) AddAssetsEmitted(n int) {
	pr.assetsEmitted.Add(float64(n))
}

func (pr *PrometheusRecorder) AddAssetsSkipped(n int) {
	pr.assetsSkipped.Add(float64(n))
}

func (pr *PrometheusRecorder) IncCacheHit(stage string) {
	pr.cacheResults.WithLabelValues(stage, "hit").Inc()
}

func (pr *PrometheusRecorder) IncCacheMiss(stage string) {
	pr.cacheResults.WithLabelValues(stage, "miss").Inc()
}

func (pr *PrometheusRecorder) SetWatchedFiles(n int) {
	pr.watchedFiles.Set(float64(n))
}

// HTTPHandler serves the registry in Prometheus exposition format.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
