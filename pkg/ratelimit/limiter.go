package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond int           // permits per window
	Window            time.Duration // rolling window, one second by default
	OnGrant           func(at time.Time)
}

// Limiter grants permits in arrival order while keeping at most
// RequestsPerSecond grants inside any rolling Window.
//
// Waiters queue on a single-slot channel; the holder of the slot paces
// itself with a token bucket and then checks a log of the last N grant
// times, so the bound holds on the actual grant timestamps.
type Limiter struct {
	config Config
	pacer  *rate.Limiter
	turn   chan struct{}

	mu      sync.Mutex
	grants  []time.Time
	next    int
	granted int64
}

func New(config Config) *Limiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Window <= 0 {
		config.Window = time.Second
	}

	every := config.Window / time.Duration(config.RequestsPerSecond)
	l := &Limiter{
		config: config,
		pacer:  rate.NewLimiter(rate.Every(every), 1),
		turn:   make(chan struct{}, 1),
		grants: make([]time.Time, config.RequestsPerSecond),
	}
	l.turn <- struct{}{}
	return l
}

// NewPerSecond is a shorthand for a one second window.
func NewPerSecond(n int) *Limiter {
	return New(Config{RequestsPerSecond: n})
}

// Acquire blocks until the caller may issue one request. It only returns an
// error when ctx is done first, in which case no permit is consumed.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { l.turn <- struct{}{} }()

	if err := l.pacer.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// the pacer refuses waits that cannot finish before the deadline
		return context.DeadlineExceeded
	}

	for {
		wait := l.windowWait(time.Now())
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	at := time.Now()
	l.record(at)
	if l.config.OnGrant != nil {
		l.config.OnGrant(at)
	}
	return nil
}

// windowWait returns how long to sleep before the oldest logged grant leaves
// the window.
func (l *Limiter) windowWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := l.grants[l.next]
	if oldest.IsZero() {
		return 0
	}
	return oldest.Add(l.config.Window).Sub(now)
}

func (l *Limiter) record(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.grants[l.next] = at
	l.next = (l.next + 1) % len(l.grants)
	l.granted++
}

// Granted returns the number of permits handed out so far.
func (l *Limiter) Granted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.granted
}

func (l *Limiter) Rate() int { return l.config.RequestsPerSecond }

func (l *Limiter) Window() time.Duration { return l.config.Window }
