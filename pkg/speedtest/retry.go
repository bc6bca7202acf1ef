package speedtest

import (
	"context"
	"sync"
	"time"

	logx "speedcheck/pkg/logx"
)

// DefaultRetryBase is the delay unit; attempt k waits k × DefaultRetryBase.
const DefaultRetryBase = 2 * time.Second

// StartFunc runs one measurement.
type StartFunc func(ctx context.Context) (*Record, error)

// RetryController re-runs a measurement after NetworkUnavailable failures.
//
// Only KindNetworkUnavailable is retried. Once the counter reaches the cap no
// further automatic retries happen until Reset.
type RetryController struct {
	maxRetries int
	base       time.Duration
	log        logx.Logger
	after      func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	count    int
	inFlight bool
	lastErr  error
}

// NewRetryController caps automatic retries at maxRetries (DefaultRetryAttempts when <= 0).
func NewRetryController(maxRetries int, log logx.Logger) *RetryController {
	if maxRetries <= 0 {
		maxRetries = DefaultRetryAttempts
	}
	return &RetryController{maxRetries: maxRetries, base: DefaultRetryBase, log: log, after: time.After}
}

// Delay returns the backoff before the 1-indexed retry attempt.
func (r *RetryController) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.base * time.Duration(attempt)
}

// Run calls start and, for retryable failures, schedules retries with linear
// backoff until one succeeds or the cap is reached.
func (r *RetryController) Run(ctx context.Context, start StartFunc) (*Record, error) {
	rec, err := start(ctx)
	for {
		r.observe(err)
		if err == nil {
			return rec, nil
		}

		attempt, ok := r.schedule(err)
		if !ok {
			return nil, err
		}
		delay := r.Delay(attempt)
		r.log.Info("retry scheduled",
			logx.Int("attempt", attempt),
			logx.Int("max", r.maxRetries),
			logx.Duration("delay", delay),
			logx.Err(err),
		)

		select {
		case <-ctx.Done():
			r.release()
			return nil, interrupted(ctx, "retry")
		case <-r.after(delay):
		}

		rec, err = start(ctx)
		r.release()
	}
}

func (r *RetryController) observe(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if err == nil {
		r.count = 0
	}
}

// schedule reserves the next retry slot.
func (r *RetryController) schedule(err error) (int, bool) {
	if !IsRetryable(err) {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight || r.count >= r.maxRetries {
		return 0, false
	}
	r.count++
	r.inFlight = true
	return r.count, true
}

func (r *RetryController) release() {
	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()
}

// RetryCount returns the number of retries issued since the last success or Reset.
func (r *RetryController) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// HasReachedMaxRetries reports whether automatic retries are exhausted.
func (r *RetryController) HasReachedMaxRetries() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count >= r.maxRetries
}

// LastError returns the most recently observed outcome (nil after a success).
func (r *RetryController) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Reset clears the counter so automatic retries can resume.
func (r *RetryController) Reset() {
	r.mu.Lock()
	r.count = 0
	r.lastErr = nil
	r.mu.Unlock()
}
