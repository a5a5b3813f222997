package gateway

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 10
)

var (
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter applies a one-minute sliding window and a concurrency
// cap to one client's RPC calls.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter uses the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits uses custom limits. Non-positive values
// fall back to the defaults.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request or reports which limit it hit. Every nil return
// must be paired with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return ErrTooManyConcurrent
	}
	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return ErrRateLimited
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return nil
}

// Release ends a request admitted by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (windowed, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.requests), r.inFlight
}

// prune drops timestamps older than a minute. requests is append-only in
// time order, so the first kept entry ends the scan.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}
