package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/metrics"
	"github.com/xhad/filingscan/pkg/ratelimit"
)

func descriptor(i int, url string) models.FilingDescriptor {
	return models.FilingDescriptor{
		AccessionID: fmt.Sprintf("0000000000-24-%06d", i),
		CompanyID:   "320193",
		FormType:    "10-K",
		URL:         url,
	}
}

func fastLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{RequestsPerSecond: 1000, Window: time.Second})
}

func newTestDownloader(t *testing.T, config Config, limiter *ratelimit.Limiter) *Downloader {
	t.Helper()
	if config.Dir == "" {
		config.Dir = t.TempDir()
	}
	if config.BaseBackoff == 0 {
		config.BaseBackoff = time.Millisecond
	}
	if limiter == nil {
		limiter = fastLimiter()
	}
	d, err := NewWithConfig(config, limiter)
	require.NoError(t, err)
	return d
}

// flakyServer fails the first n requests to /flaky with 503.
func flakyServer(t *testing.T, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky.htm", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>Our goal is net zero.</body></html>")
	})
	mux.HandleFunc("/ok.htm", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body>%s</body></html>", r.URL.Query().Get("id"))
	})
	mux.HandleFunc("/broken.htm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/empty.htm", func(w http.ResponseWriter, r *http.Request) {})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &hits
}

func TestNewWithConfig(t *testing.T) {
	_, err := NewWithConfig(Config{}, nil)
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	d, err := NewWithConfig(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, d.config.Concurrency)
	assert.Equal(t, 0, d.config.MaxRetries)
	assert.Equal(t, DefaultUserAgent, d.config.UserAgent)

	d, err = NewWithConfig(Config{Dir: t.TempDir(), MaxRetries: -1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.config.MaxRetries)
}

func TestRetryThenSucceed(t *testing.T) {
	server, hits := flakyServer(t, 2)
	limiter := fastLimiter()

	var mu sync.Mutex
	var states []string
	d := newTestDownloader(t, Config{
		MaxRetries: 3,
		OnStateChange: func(_ models.FilingDescriptor, from, to models.DownloadState) {
			mu.Lock()
			states = append(states, to.String())
			mu.Unlock()
		},
	}, limiter)

	results, err := d.Download(context.Background(), []models.FilingDescriptor{descriptor(1, server.URL+"/flaky.htm")})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
	assert.Equal(t, int64(3), limiter.Granted(), "every attempt acquires a permit")

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "net zero")
	assert.Equal(t, filepath.Join(d.Cache().Dir(), "0000000000-24-000001.htm"), res.Path)

	assert.Equal(t, []string{
		"in-flight", "awaiting-retry",
		"in-flight", "awaiting-retry",
		"in-flight", "success",
	}, states)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	server, _ := flakyServer(t, 0)
	d := newTestDownloader(t, Config{}, nil)

	results, err := d.Download(context.Background(), []models.FilingDescriptor{
		descriptor(1, server.URL+"/missing.htm"),
		descriptor(2, server.URL+"/empty.htm"),
	})
	require.NoError(t, err)

	for _, res := range results {
		assert.Equal(t, models.OutcomeFailed, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, res.Path)
		var permanent *models.PermanentRequestError
		assert.ErrorAs(t, res.Err, &permanent)
	}
	var permanent *models.PermanentRequestError
	require.ErrorAs(t, results[0].Err, &permanent)
	assert.Equal(t, http.StatusNotFound, permanent.StatusCode)
}

func TestRetriesExhausted(t *testing.T) {
	server, _ := flakyServer(t, 0)
	d := newTestDownloader(t, Config{MaxRetries: 2}, nil)

	results, err := d.Download(context.Background(), []models.FilingDescriptor{descriptor(1, server.URL+"/broken.htm")})
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, models.IsRetryable(res.Err))
}

func TestZeroRetriesMakesOneAttempt(t *testing.T) {
	server, hits := flakyServer(t, 5)
	d := newTestDownloader(t, Config{MaxRetries: 0}, nil)

	results, err := d.Download(context.Background(), []models.FilingDescriptor{descriptor(1, server.URL+"/flaky.htm")})
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, models.IsRetryable(res.Err))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestEveryDescriptorGetsOneResult(t *testing.T) {
	server, _ := flakyServer(t, 0)
	m := metrics.New()
	d := newTestDownloader(t, Config{Concurrency: 4, MaxRetries: 1, Metrics: m}, nil)

	paths := []string{"/ok.htm", "/missing.htm", "/broken.htm"}
	var descs []models.FilingDescriptor
	for i := 0; i < 21; i++ {
		descs = append(descs, descriptor(i, fmt.Sprintf("%s%s?id=%d", server.URL, paths[i%3], i)))
	}

	var progressed int32
	d.config.OnProgress = func(models.DownloadResult) { atomic.AddInt32(&progressed, 1) }

	results, err := d.Download(context.Background(), descs)
	require.NoError(t, err)
	require.Len(t, results, len(descs))
	assert.Equal(t, int32(len(descs)), atomic.LoadInt32(&progressed))

	seen := map[string]bool{}
	for i, res := range results {
		assert.Equal(t, descs[i].AccessionID, res.Descriptor.AccessionID)
		assert.False(t, seen[res.Descriptor.AccessionID])
		seen[res.Descriptor.AccessionID] = true

		switch i % 3 {
		case 0:
			assert.Equal(t, models.OutcomeSuccess, res.Outcome)
		default:
			assert.Equal(t, models.OutcomeFailed, res.Outcome)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprint(w, "body")
	}))
	defer server.Close()

	d := newTestDownloader(t, Config{Concurrency: 3}, nil)
	var descs []models.FilingDescriptor
	for i := 0; i < 12; i++ {
		descs = append(descs, descriptor(i, fmt.Sprintf("%s/doc%d.htm", server.URL, i)))
	}

	results, err := d.Download(context.Background(), descs)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestCachedCopyIsSkipped(t *testing.T) {
	server, hits := flakyServer(t, 0)
	dir := t.TempDir()
	descs := []models.FilingDescriptor{descriptor(1, server.URL+"/flaky.htm")}

	first := newTestDownloader(t, Config{Dir: dir}, nil)
	results, err := first.Download(context.Background(), descs)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeSuccess, results[0].Outcome)

	meta, err := first.Cache().Metadata(descs[0])
	require.NoError(t, err)
	assert.Equal(t, descs[0].URL, meta.URL)
	assert.Equal(t, "text/html", meta.ContentType)

	second := newTestDownloader(t, Config{Dir: dir}, nil)
	results, err = second.Download(context.Background(), descs)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, 0, results[0].Attempts)
	assert.True(t, results[0].Usable())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestCorruptCacheIsDownloadedAgain(t *testing.T) {
	server, hits := flakyServer(t, 0)
	dir := t.TempDir()
	descs := []models.FilingDescriptor{descriptor(1, server.URL+"/flaky.htm")}

	d := newTestDownloader(t, Config{Dir: dir}, nil)
	results, err := d.Download(context.Background(), descs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(results[0].Path, []byte("truncated"), 0644))

	_, err = d.Cache().Lookup(descs[0])
	var integrity *models.IntegrityError
	require.ErrorAs(t, err, &integrity)

	results, err = d.Download(context.Background(), descs)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))

	path, err := d.Cache().Lookup(descs[0])
	require.NoError(t, err)
	assert.Equal(t, results[0].Path, path)
}

func TestMissingSidecarFailsIntegrity(t *testing.T) {
	c := NewCache(t.TempDir())
	desc := descriptor(7, "https://example.com/a.htm")
	require.NoError(t, os.WriteFile(c.Path(desc), []byte("orphan"), 0644))

	path, err := c.Lookup(desc)
	assert.Empty(t, path)
	var integrity *models.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestUnwritableStorageAbortsRun(t *testing.T) {
	server, hits := flakyServer(t, 0)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	d := newTestDownloader(t, Config{Dir: filepath.Join(blocker, "cache")}, nil)
	descs := []models.FilingDescriptor{descriptor(1, server.URL+"/ok.htm"), descriptor(2, server.URL+"/ok.htm")}

	results, err := d.Download(context.Background(), descs)
	var storageErr *models.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.True(t, models.IsFatal(err))
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, models.OutcomeFailed, res.Outcome)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestCancellationAbandonsInFlightAfterGrace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	d := newTestDownloader(t, Config{Concurrency: 2, GracePeriod: 100 * time.Millisecond}, nil)
	var descs []models.FilingDescriptor
	for i := 0; i < 5; i++ {
		descs = append(descs, descriptor(i, fmt.Sprintf("%s/slow%d.htm", server.URL, i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	results, err := d.Download(ctx, descs)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, results, len(descs))
	for _, res := range results {
		assert.Equal(t, models.OutcomeFailed, res.Outcome)
		assert.True(t, errors.Is(res.Err, models.ErrCancelled), "got %v", res.Err)
	}
}

func TestInFlightCompletesWithinGrace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "late but fine")
	}))
	defer server.Close()

	d := newTestDownloader(t, Config{Concurrency: 1, GracePeriod: 2 * time.Second}, nil)
	descs := []models.FilingDescriptor{
		descriptor(1, server.URL+"/a.htm"),
		descriptor(2, server.URL+"/b.htm"),
		descriptor(3, server.URL+"/c.htm"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	results, err := d.Download(ctx, descs)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
	for _, res := range results[1:] {
		assert.Equal(t, models.OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, models.ErrCancelled)
		assert.Equal(t, 0, res.Attempts)
	}
}

func TestBackoff(t *testing.T) {
	d := newTestDownloader(t, Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, nil)

	assert.Equal(t, 100*time.Millisecond, d.backoff(1, nil))
	assert.Equal(t, 200*time.Millisecond, d.backoff(2, nil))
	assert.Equal(t, 400*time.Millisecond, d.backoff(3, nil))
	assert.Equal(t, time.Second, d.backoff(10, nil))

	hinted := &models.TransientNetworkError{StatusCode: 429, RetryAfter: 700 * time.Millisecond}
	assert.Equal(t, 700*time.Millisecond, d.backoff(1, hinted))
	hinted.RetryAfter = time.Minute
	assert.Equal(t, time.Second, d.backoff(1, hinted))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestTooManyRequestsIsRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	d := newTestDownloader(t, Config{MaxRetries: 1}, nil)
	results, err := d.Download(context.Background(), []models.FilingDescriptor{descriptor(1, server.URL+"/x.htm")})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 2, results[0].Attempts)
}
