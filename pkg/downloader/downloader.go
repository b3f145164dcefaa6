package downloader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/metrics"
	"github.com/xhad/filingscan/pkg/ratelimit"
)

const (
	DefaultConcurrency = 5
	DefaultUserAgent   = "filingscan contact@example.com"
)

type Config struct {
	Dir         string // cache root, required
	Concurrency int
	// MaxRetries counts retries after the first attempt. Zero and negative
	// values disable retrying.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// GracePeriod bounds how long in-flight attempts may run after the
	// run context is cancelled.
	GracePeriod time.Duration
	Timeout     time.Duration // per request
	UserAgent   string
	MaxFileSize int64
	Refresh     bool // ignore cached copies

	HTTPClient    *http.Client
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	OnProgress    func(models.DownloadResult)
	OnStateChange func(desc models.FilingDescriptor, from, to models.DownloadState)
}

type Downloader struct {
	config  Config
	client  *http.Client
	limiter *ratelimit.Limiter
	cache   *Cache
	logger  *zap.Logger
}

func NewWithConfig(config Config, limiter *ratelimit.Limiter) (*Downloader, error) {
	if config.Dir == "" {
		return nil, &models.ConfigurationError{Field: "download.cache_dir", Reason: "cache directory is required"}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseBackoff == 0 {
		config.BaseBackoff = time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 100 << 20
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.NewPerSecond(10)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Downloader{
		config:  config,
		client:  client,
		limiter: limiter,
		cache:   NewCache(config.Dir),
		logger:  config.Logger.Named("downloader"),
	}, nil
}

func (d *Downloader) Cache() *Cache { return d.cache }

// Download fetches every descriptor and returns one result per descriptor,
// indexed like the input. Failures of single descriptors are recorded in
// their result; the returned error is non-nil only when local storage
// cannot be written, in which case remaining work is abandoned and the
// affected results are marked cancelled.
//
// When ctx is done no new attempt starts. In-flight attempts get
// GracePeriod to finish before they are aborted.
func (d *Downloader) Download(ctx context.Context, descs []models.FilingDescriptor) ([]models.DownloadResult, error) {
	results := make([]models.DownloadResult, len(descs))
	for i, desc := range descs {
		results[i] = models.DownloadResult{Descriptor: desc, Outcome: models.OutcomeFailed, Err: models.ErrCancelled}
	}

	if err := d.cache.Ensure(); err != nil {
		d.logger.Error("cache directory unusable", zap.String("dir", d.cache.Dir()), zap.Error(err))
		return results, err
	}

	attemptCtx, stopAttempts := withGrace(ctx, d.config.GracePeriod)
	defer stopAttempts()

	g, gctx := errgroup.WithContext(attemptCtx)
	g.SetLimit(d.config.Concurrency)

	// startCtx gates new attempts: done on caller cancellation or a fatal error.
	startCtx, cancelStart := context.WithCancel(ctx)
	defer cancelStart()
	stopStart := context.AfterFunc(gctx, cancelStart)
	defer stopStart()

	d.logger.Info("starting downloads",
		zap.Int("descriptors", len(descs)),
		zap.Int("concurrency", d.config.Concurrency),
		zap.Int("max_retries", d.config.MaxRetries))

	ran := make([]bool, len(descs))
	for i := range descs {
		if startCtx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if startCtx.Err() != nil {
				return nil
			}
			ran[i] = true
			res, err := d.downloadOne(startCtx, gctx, descs[i])
			results[i] = res
			d.progress(res)
			return err
		})
	}
	err := g.Wait()

	for i := range descs {
		if !ran[i] {
			d.config.Metrics.RecordResult(string(models.OutcomeFailed), 0)
			d.progress(results[i])
		}
	}

	if err != nil {
		d.logger.Error("download run aborted", zap.Error(err))
		return results, err
	}

	d.logger.Info("downloads finished", summarize(results)...)
	return results, nil
}

func (d *Downloader) progress(res models.DownloadResult) {
	if d.config.OnProgress != nil {
		d.config.OnProgress(res)
	}
}

func (d *Downloader) downloadOne(startCtx, attemptCtx context.Context, desc models.FilingDescriptor) (models.DownloadResult, error) {
	began := time.Now()
	t := &task{
		desc:   desc,
		state:  models.StatePending,
		logger: d.logger.With(zap.String("accession", desc.AccessionID), zap.String("url", desc.URL)),
		notify: d.config.OnStateChange,
	}

	finish := func(outcome models.Outcome, path string, err error) models.DownloadResult {
		d.config.Metrics.RecordResult(string(outcome), time.Since(began).Seconds())
		if err != nil {
			t.logger.Warn("download failed", zap.Int("attempts", t.attempts), zap.Error(err))
		}
		return models.DownloadResult{Descriptor: desc, Path: path, Outcome: outcome, Err: err, Attempts: t.attempts}
	}

	if !d.config.Refresh {
		path, err := d.cache.Lookup(desc)
		if err != nil {
			t.logger.Warn("cached copy rejected, downloading again", zap.Error(err))
		} else if path != "" {
			t.advance(models.StateSuccess)
			t.logger.Debug("using cached copy", zap.String("path", path))
			return finish(models.OutcomeSkipped, path, nil), nil
		}
	}

	maxAttempts := 1 + d.config.MaxRetries
	for {
		if startCtx.Err() != nil {
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", cancelled(t)), nil
		}

		waitStart := time.Now()
		if err := d.limiter.Acquire(startCtx); err != nil {
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", cancelled(t)), nil
		}
		d.config.Metrics.RecordLimiterWait(time.Since(waitStart).Seconds())

		t.attempts++
		t.advance(models.StateInFlight)

		resp, err := d.fetch(attemptCtx, desc.URL)
		if err == nil {
			d.config.Metrics.RecordAttempt("ok")
			path, storeErr := d.cache.Store(desc, resp.body, resp.contentType)
			if storeErr != nil {
				t.advance(models.StateFailed)
				return finish(models.OutcomeFailed, "", storeErr), storeErr
			}
			d.config.Metrics.RecordBytes(int64(len(resp.body)))
			t.advance(models.StateSuccess)
			t.logger.Debug("stored", zap.String("path", path), zap.Int("bytes", len(resp.body)))
			return finish(models.OutcomeSuccess, path, nil), nil
		}
		t.lastErr = err

		if attemptCtx.Err() != nil {
			d.config.Metrics.RecordAttempt("aborted")
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", cancelled(t)), nil
		}
		if !models.IsRetryable(err) {
			d.config.Metrics.RecordAttempt("permanent")
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", err), nil
		}
		d.config.Metrics.RecordAttempt("transient")
		if t.attempts >= maxAttempts {
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", fmt.Errorf("giving up after %d attempts: %w", t.attempts, err)), nil
		}

		delay := d.backoff(t.attempts, err)
		t.advance(models.StateAwaitingRetry)
		t.logger.Info("retrying", zap.Int("attempt", t.attempts), zap.Duration("backoff", delay), zap.Error(err))
		if sleep(startCtx, delay) != nil {
			t.advance(models.StateFailed)
			return finish(models.OutcomeFailed, "", cancelled(t)), nil
		}
	}
}

func cancelled(t *task) error {
	if t.lastErr == nil {
		return models.ErrCancelled
	}
	return fmt.Errorf("%w after %d attempts: %v", models.ErrCancelled, t.attempts, t.lastErr)
}

// withGrace returns a context that outlives parent by grace. The returned
// stop function releases it immediately.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func summarize(results []models.DownloadResult) []zap.Field {
	counts := map[models.Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	return []zap.Field{
		zap.Int("success", counts[models.OutcomeSuccess]),
		zap.Int("skipped", counts[models.OutcomeSkipped]),
		zap.Int("failed", counts[models.OutcomeFailed]),
	}
}
