package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/filingscan/internal/models"
)

// task walks one descriptor through
// pending -> in-flight -> (awaiting-retry -> in-flight)* -> success|failed.
type task struct {
	desc     models.FilingDescriptor
	state    models.DownloadState
	attempts int
	lastErr  error
	logger   *zap.Logger
	notify   func(models.FilingDescriptor, models.DownloadState, models.DownloadState)
}

var transitions = map[models.DownloadState][]models.DownloadState{
	models.StatePending:       {models.StateInFlight, models.StateSuccess, models.StateFailed},
	models.StateInFlight:      {models.StateAwaitingRetry, models.StateSuccess, models.StateFailed},
	models.StateAwaitingRetry: {models.StateInFlight, models.StateFailed},
}

func (t *task) advance(to models.DownloadState) {
	allowed := false
	for _, s := range transitions[t.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		panic(fmt.Sprintf("downloader: invalid transition %s -> %s", t.state, to))
	}

	from := t.state
	t.state = to
	t.logger.Debug("state change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("attempts", t.attempts))
	if t.notify != nil {
		t.notify(t.desc, from, to)
	}
}

// response is a successful fetch.
type response struct {
	body        []byte
	contentType string
}

// fetch issues one GET and classifies the outcome as success, a
// TransientNetworkError or a PermanentRequestError.
func (d *Downloader) fetch(ctx context.Context, url string) (*response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.PermanentRequestError{URL: url, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &models.TransientNetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &models.TransientNetworkError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &models.PermanentRequestError{URL: url, StatusCode: resp.StatusCode}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, d.config.MaxFileSize+1))
	if err != nil {
		return nil, &models.TransientNetworkError{URL: url, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if n == 0 {
		return nil, &models.PermanentRequestError{URL: url, Reason: "empty response body"}
	}
	if n > d.config.MaxFileSize {
		return nil, &models.PermanentRequestError{URL: url, Reason: fmt.Sprintf("response exceeds %d bytes", d.config.MaxFileSize)}
	}

	return &response{body: buf.Bytes(), contentType: resp.Header.Get("Content-Type")}, nil
}

// backoff returns the wait before the next attempt, after attempt failed
// attempts. A Retry-After hint raises the delay; MaxBackoff caps both.
func (d *Downloader) backoff(attempt int, err error) time.Duration {
	delay := float64(d.config.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if transient, ok := err.(*models.TransientNetworkError); ok && float64(transient.RetryAfter) > delay {
		delay = float64(transient.RetryAfter)
	}
	if delay > float64(d.config.MaxBackoff) {
		delay = float64(d.config.MaxBackoff)
	}
	return time.Duration(delay)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
