// Package metrics exposes Prometheus counters for download and analysis
// runs. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "filingscan"

type Metrics struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
	durationSeconds prometheus.Histogram
	limiterWait     prometheus.Histogram
	downloadedBytes prometheus.Counter
	analyzedTotal   *prometheus.CounterVec
	matchesTotal    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry so runs and tests never
// collide on the global one.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "HTTP attempts issued by the downloader by result.",
		},
		[]string{"result"},
	)
	m.resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_results_total",
			Help:      "Terminal download outcomes.",
		},
		[]string{"outcome"},
	)
	m.durationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Wall time per descriptor including retries.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.limiterWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting for a rate limiter permit.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	m.downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the download cache.",
		},
	)
	m.analyzedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filings_analyzed_total",
			Help:      "Filings folded into a report by status.",
		},
		[]string{"status"},
	)
	m.matchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyword_matches_total",
			Help:      "Keyword matches by category.",
		},
		[]string{"category"},
	)

	m.registry.MustRegister(
		m.attemptsTotal,
		m.resultsTotal,
		m.durationSeconds,
		m.limiterWait,
		m.downloadedBytes,
		m.analyzedTotal,
		m.matchesTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordResult(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.resultsTotal.WithLabelValues(outcome).Inc()
	m.durationSeconds.Observe(seconds)
}

func (m *Metrics) RecordLimiterWait(seconds float64) {
	if m == nil {
		return
	}
	m.limiterWait.Observe(seconds)
}

func (m *Metrics) RecordBytes(n int64) {
	if m == nil {
		return
	}
	m.downloadedBytes.Add(float64(n))
}

func (m *Metrics) RecordAnalysis(status string) {
	if m == nil {
		return
	}
	m.analyzedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordMatches(category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.matchesTotal.WithLabelValues(category).Add(float64(n))
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
