// Package metrics はジョブ処理と掃除処理の Prometheus メトリクスをまとめます。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metasqueeze"

// Recorder は独自のレジストリを持つメトリクス集です。nil でも安全に呼び出せます。
type Recorder struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	uploadsTotal  *prometheus.CounterVec
	sweptTotal    *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
}

// New は Recorder を作成します。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processed jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Transformation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Accepted uploads by kind",
		}, []string{"kind"}),
		sweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_total",
			Help:      "Records removed or recovered by the sweeper",
		}, []string{"target"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Records the sweeper failed to process",
		}, []string{"target"}),
	}
	reg.MustRegister(
		r.jobsTotal,
		r.jobDuration,
		r.uploadsTotal,
		r.sweptTotal,
		r.sweepFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// JobFinished はジョブの結果を記録します。outcome は completed / failed / skipped などです。
func (r *Recorder) JobFinished(kind, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.jobsTotal.WithLabelValues(kind, outcome).Inc()
	if elapsed > 0 {
		r.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// UploadAccepted はアップロード受付を記録します。
func (r *Recorder) UploadAccepted(kind string) {
	if r == nil {
		return
	}
	r.uploadsTotal.WithLabelValues(kind).Inc()
}

// Swept は掃除処理の結果を記録します。
func (r *Recorder) Swept(target string, done, failed int) {
	if r == nil {
		return
	}
	if done > 0 {
		r.sweptTotal.WithLabelValues(target).Add(float64(done))
	}
	if failed > 0 {
		r.sweepFailures.WithLabelValues(target).Add(float64(failed))
	}
}

// Registry は内部のレジストリを返します。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler は /metrics 用のハンドラーを返します。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
