package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordAttempt("ok")
	m.RecordAttempt("ok")
	m.RecordAttempt("transient")
	m.RecordResult("success", 0.2)
	m.RecordResult("failed", 1.5)
	m.RecordBytes(1024)
	m.RecordMatches("environmental", 3)
	m.RecordMatches("social", 0)
	m.RecordAnalysis("analyzed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptsTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resultsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.downloadedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.matchesTotal.WithLabelValues("environmental")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analyzedTotal.WithLabelValues("analyzed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.durationSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAttempt("ok")
		m.RecordResult("success", 1)
		m.RecordLimiterWait(0.1)
		m.RecordBytes(10)
		m.RecordAnalysis("failed")
		m.RecordMatches("social", 1)
	})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordResult("skipped", 0)

	path := filepath.Join(t.TempDir(), "filingscan.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `filingscan_download_results_total{outcome="skipped"} 1`)
}
