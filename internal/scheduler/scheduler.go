// Package scheduler drives the polling loop: fetch a mentions batch,
// dispatch each mention to the reply pipeline, advance the
// high-watermark, then sleep per the cadence mode.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.crybb.tech/internal/batch"
	"go.crybb.tech/internal/common/metrics"
	"go.crybb.tech/internal/ledger"
	"go.crybb.tech/internal/reply"
	"go.crybb.tech/internal/xapi"
)

const (
	// quietWindow is how many consecutive empty iterations switch the
	// cadence to quiet mode
	quietWindow = 3

	// errorBackoffCap bounds the consecutive-error backoff
	errorBackoffCap = 300 * time.Second
)

// API is the surface of the microblog client the scheduler uses
type API interface {
	Me(ctx context.Context) (*xapi.User, error)
	GetUserByUsername(ctx context.Context, username string) (*xapi.User, error)
	GetMentions(ctx context.Context, userID, sinceID string) (*xapi.MentionsBatch, error)
	OwnTimeline(ctx context.Context, userID string) ([]xapi.Post, error)
	Repost(ctx context.Context, postID string) error
	Registry() *xapi.Registry
}

// Processor handles one mention end to end
type Processor interface {
	Process(ctx context.Context, m xapi.Mention, bc *batch.Context) (reply.Outcome, error)
}

// Watermark is the ledger surface the scheduler advances after a batch
type Watermark interface {
	SinceID() string
	AdvanceWatermark(ids []string) (string, error)
}

// Config holds the cadence and repost settings
type Config struct {
	AwakeMin   time.Duration
	AwakeMax   time.Duration
	SleeperMin time.Duration
	SleeperMax time.Duration

	// RepostLikeThreshold enables the quiet-period repost task when > 0
	RepostLikeThreshold int
}

// Scheduler is the long-lived polling service
type Scheduler struct {
	cfg       Config
	api       API
	processor Processor
	store     Watermark
	cache     *batch.UserCache

	rng *rand.Rand

	// hits records whether each of the last quietWindow iterations
	// found mentions
	hits    []bool
	hitIdx  int
	iterCnt int

	// inFlight guards against dispatching the same mention twice
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	// reposted is the process-local set of already-reposted post ids
	reposted map[string]struct{}

	consecutiveErrs int

	mu          sync.Mutex
	lastSuccess time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler
func New(cfg Config, api API, processor Processor, store Watermark, cache *batch.UserCache) *Scheduler {
	if cfg.AwakeMin <= 0 {
		cfg.AwakeMin = 180 * time.Second
	}
	if cfg.AwakeMax < cfg.AwakeMin {
		cfg.AwakeMax = 300 * time.Second
	}
	if cfg.SleeperMin <= 0 {
		cfg.SleeperMin = 480 * time.Second
	}
	if cfg.SleeperMax < cfg.SleeperMin {
		cfg.SleeperMax = 600 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		api:       api,
		processor: processor,
		store:     store,
		cache:     cache,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		hits:      make([]bool, quietWindow),
		inFlight:  make(map[string]struct{}),
		reposted:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Name() string { return "mention-scheduler" }

// Start runs the polling loop until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	defer close(s.doneCh)

	me, err := s.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve bot identity: %w", err)
	}

	slog.Info("Scheduler started",
		"botId", me.ID,
		"botHandle", me.Username,
		"sinceId", s.store.SinceID())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		found, err := s.iterate(ctx, me.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.consecutiveErrs++
			backoff := errorBackoff(s.consecutiveErrs)
			slog.Error("Poll iteration failed",
				"error", err,
				"consecutiveErrors", s.consecutiveErrs,
				"backoff", backoff)
			if s.consecutiveErrs >= 5 {
				slog.Warn("Scheduler degraded, pausing before next attempt",
					"consecutiveErrors", s.consecutiveErrs)
			}
			if !s.sleepInterruptible(ctx, backoff) {
				return nil
			}
			continue
		}

		s.consecutiveErrs = 0
		s.mu.Lock()
		s.lastSuccess = time.Now()
		s.mu.Unlock()

		s.recordHit(found)

		mode := "awake"
		lo, hi := s.cfg.AwakeMin, s.cfg.AwakeMax
		if s.quiet() {
			mode = "quiet"
			lo, hi = s.cfg.SleeperMin, s.cfg.SleeperMax
			if s.cfg.RepostLikeThreshold > 0 {
				go s.repostPopular(ctx, me.ID)
			}
		}
		metrics.PollIterations.WithLabelValues(mode).Inc()

		if !s.sleepInterruptible(ctx, s.randomIn(lo, hi)) {
			return nil
		}
	}
}

// Stop signals the loop and waits for it to exit
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports unhealthy when no iteration has succeeded within
// three quiet periods.
func (s *Scheduler) Health() error {
	s.mu.Lock()
	last := s.lastSuccess
	s.mu.Unlock()

	if last.IsZero() {
		return nil
	}
	if stale := time.Since(last); stale > 3*s.cfg.SleeperMax {
		return fmt.Errorf("no successful poll for %s", stale)
	}
	return nil
}

// iterate runs one poll: gate, fetch, dispatch, advance watermark.
// Returns whether the batch contained any mentions.
func (s *Scheduler) iterate(ctx context.Context, botID string) (bool, error) {
	if err := s.api.Registry().MaybeSleep(ctx, xapi.EndpointMentions, 2); err != nil {
		return false, err
	}

	b, err := s.api.GetMentions(ctx, botID, s.store.SinceID())
	if err != nil {
		if xapi.IsRateLimited(err) {
			// The client already slept until reset; treat as an empty poll
			slog.Info("Mentions endpoint rate limited, deferring to next iteration")
			return false, nil
		}
		return false, err
	}

	if len(b.Mentions) == 0 {
		return false, nil
	}

	slog.Info("Mentions batch fetched", "count", len(b.Mentions))
	bc := batch.NewContext(b, s.cache, s.api)

	var wg sync.WaitGroup
	var ledgerFailed atomic.Bool
	batchIDs := make([]string, 0, len(b.Mentions))
	for _, m := range b.Mentions {
		batchIDs = append(batchIDs, m.ID)

		if !s.claim(m.ID) {
			continue
		}
		wg.Add(1)
		go func(m xapi.Mention) {
			defer wg.Done()
			defer s.release(m.ID)

			outcome, err := s.processor.Process(ctx, m, bc)
			if err != nil {
				if ledger.IsWriteError(err) {
					ledgerFailed.Store(true)
				}
				slog.Error("Reply pipeline error",
					"mentionId", m.ID,
					"outcome", outcome,
					"error", err)
			}
		}(m)
	}
	wg.Wait()

	// A failed ledger write means the durable record may disagree with
	// what the pipelines saw; abort without touching the watermark.
	if ledgerFailed.Load() {
		return true, fmt.Errorf("ledger write failed during batch, watermark not advanced")
	}

	watermark, err := s.store.AdvanceWatermark(batchIDs)
	if err != nil {
		return true, fmt.Errorf("failed to advance watermark: %w", err)
	}
	slog.Info("Batch complete", "watermark", watermark)

	return true, nil
}

// repostPopular re-posts own posts at or above the like threshold.
// Fire and forget; failures never affect mention processing.
func (s *Scheduler) repostPopular(ctx context.Context, botID string) {
	posts, err := s.api.OwnTimeline(ctx, botID)
	if err != nil {
		slog.Warn("Timeline fetch for repost task failed", "error", err)
		return
	}

	for _, p := range posts {
		if p.LikeCount < s.cfg.RepostLikeThreshold {
			continue
		}
		s.inFlightMu.Lock()
		_, done := s.reposted[p.ID]
		if !done {
			s.reposted[p.ID] = struct{}{}
		}
		s.inFlightMu.Unlock()
		if done {
			continue
		}

		if err := s.api.Repost(ctx, p.ID); err != nil {
			slog.Warn("Repost failed", "postId", p.ID, "error", err)
			continue
		}
		metrics.RepostsSent.Inc()
		slog.Info("Reposted popular post", "postId", p.ID, "likes", p.LikeCount)
	}
}

func (s *Scheduler) claim(id string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, id)
}

func (s *Scheduler) recordHit(found bool) {
	s.hits[s.hitIdx] = found
	s.hitIdx = (s.hitIdx + 1) % quietWindow
	s.iterCnt++
}

// quiet reports whether the last quietWindow iterations all came up empty
func (s *Scheduler) quiet() bool {
	if s.iterCnt < quietWindow {
		return false
	}
	for _, h := range s.hits {
		if h {
			return false
		}
	}
	return true
}

func (s *Scheduler) randomIn(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

// sleepInterruptible sleeps for d, returning false on shutdown
func (s *Scheduler) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func errorBackoff(consecutive int) time.Duration {
	d := time.Second << (consecutive - 1)
	if d > errorBackoffCap || d <= 0 {
		return errorBackoffCap
	}
	return d
}
