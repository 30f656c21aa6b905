package xapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.crybb.tech/internal/common/metrics"
)

// resetSlack is added on top of the advertised reset time before a
// blocked endpoint is called again.
const resetSlack = 5 * time.Second

// RateLimitInfo is the last observed quota state for one endpoint
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry tracks x-rate-limit-* headers per logical endpoint and
// gates callers when a quota is nearly exhausted. Entries are created
// on the first response observed and never evicted.
type Registry struct {
	mu     sync.Mutex
	limits map[string]RateLimitInfo

	// injected for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates an empty rate-limit registry
func NewRegistry() *Registry {
	return &Registry{
		limits: make(map[string]RateLimitInfo),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Update captures rate-limit headers from a response. Every response
// updates the registry regardless of status code.
func (r *Registry) Update(endpoint string, header http.Header) {
	limit, err := strconv.Atoi(header.Get("x-rate-limit-limit"))
	if err != nil || limit <= 0 {
		return
	}
	remaining, err := strconv.Atoi(header.Get("x-rate-limit-remaining"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(header.Get("x-rate-limit-reset"), 10, 64)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.limits[endpoint] = RateLimitInfo{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(resetUnix, 0),
		LastSeen:  r.now(),
	}
	r.mu.Unlock()

	metrics.APIRateLimitRemaining.WithLabelValues(endpoint).Set(float64(remaining))
}

// Get returns the last observed info for an endpoint
func (r *Registry) Get(endpoint string) (RateLimitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.limits[endpoint]
	return info, ok
}

// MaybeSleep blocks until reset+5s when the endpoint's remaining quota
// is below minRemaining. Applied before every call.
func (r *Registry) MaybeSleep(ctx context.Context, endpoint string, minRemaining int) error {
	r.mu.Lock()
	info, ok := r.limits[endpoint]
	r.mu.Unlock()

	if !ok || info.Remaining >= minRemaining {
		return nil
	}

	wait := info.Reset.Add(resetSlack).Sub(r.now())
	if wait <= 0 {
		return nil
	}

	slog.Warn("Rate limit low, sleeping until reset",
		"endpoint", endpoint,
		"remaining", info.Remaining,
		"limit", info.Limit,
		"wait", wait)
	metrics.APIRateLimitSleeps.WithLabelValues(endpoint).Inc()

	return r.sleep(ctx, wait)
}

// SleepUntilReset blocks until the given reset time plus slack.
// Used after a 429 whose reset header has been parsed.
func (r *Registry) SleepUntilReset(ctx context.Context, endpoint string, reset time.Time) error {
	wait := reset.Add(resetSlack).Sub(r.now())
	if wait <= 0 {
		return nil
	}

	slog.Warn("Rate limited, sleeping until reset",
		"endpoint", endpoint,
		"wait", wait)
	metrics.APIRateLimitSleeps.WithLabelValues(endpoint).Inc()

	return r.sleep(ctx, wait)
}

// Status returns a copy of the registry for the health endpoint
func (r *Registry) Status() map[string]RateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]RateLimitInfo, len(r.limits))
	for k, v := range r.limits {
		out[k] = v
	}
	return out
}
