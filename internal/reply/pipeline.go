// Package reply runs the per-mention pipeline: budget checks, target
// resolution, image transform, media upload, and the threaded reply.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"go.crybb.tech/internal/batch"
	"go.crybb.tech/internal/common/metrics"
	"go.crybb.tech/internal/limiter"
	"go.crybb.tech/internal/transform"
	"go.crybb.tech/internal/xapi"
)

// Reply bodies are fixed contracts; operators tune them here, not in config
const (
	replyTemplate = "Welcome to $CRYBB @%s 🍼\n\nNO CRYING IN THE CASINO."
	fallbackText  = "Sorry — I couldn't render that one. Try again in a bit! 💛"
)

// Outcome classifies how the pipeline handled one mention
type Outcome int

const (
	OutcomeReplied Outcome = iota
	OutcomeFallback
	OutcomeRateLimitedIn
	OutcomeRateLimitedOut
	OutcomeAbsentTarget
	OutcomeFailed
)

// Poster is the subset of the API client the pipeline posts through
type Poster interface {
	UploadMedia(ctx context.Context, image []byte, mimeType string) (string, error)
	CreateReply(ctx context.Context, text, inReplyToID string, mediaIDs []string) (string, error)
}

// Ledger is the durable processed-mention record
type Ledger interface {
	MarkProcessed(id string) error
	IsProcessed(id string) bool
}

// Pipeline processes mentions one at a time per call, with at most
// maxConcurrency transforms in flight across calls.
type Pipeline struct {
	botHandle string
	poster    Poster
	renderer  transform.Renderer
	ledger    Ledger
	incoming  *limiter.SlidingWindow
	outgoing  *limiter.SlidingWindow

	// slots bounds concurrent render pipelines
	slots chan struct{}
}

// New creates a reply pipeline
func New(botHandle string, poster Poster, renderer transform.Renderer, store Ledger,
	incoming, outgoing *limiter.SlidingWindow, maxConcurrency int) *Pipeline {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	return &Pipeline{
		botHandle: botHandle,
		poster:    poster,
		renderer:  renderer,
		ledger:    store,
		incoming:  incoming,
		outgoing:  outgoing,
		slots:     make(chan struct{}, maxConcurrency),
	}
}

// Process handles one mention end to end. A nil error with a skip
// outcome means the mention needs no further work; OutcomeFailed with
// an error leaves the mention unprocessed for a later batch.
func (p *Pipeline) Process(ctx context.Context, m xapi.Mention, bc *batch.Context) (Outcome, error) {
	if p.ledger.IsProcessed(m.ID) {
		return OutcomeReplied, nil
	}

	// Every observed mention moves the gauge, whatever its outcome
	if !m.CreatedAt.IsZero() {
		metrics.LastMentionTime.Set(float64(m.CreatedAt.Unix()))
	}

	author, _ := bc.UserByID(m.AuthorID)

	if !p.incoming.Whitelisted(author.Username) && !p.incoming.Allow(m.AuthorID) {
		metrics.RateLimitedIn.Inc()
		slog.Info("Author over incoming budget, leaving for retry",
			"mentionId", m.ID,
			"authorId", m.AuthorID)
		return OutcomeRateLimitedIn, nil
	}

	target := batch.ExtractTarget(p.botHandle, author.Username, m.Entities)

	targetUser, err := bc.ResolveUser(ctx, target)
	if err != nil {
		if errors.Is(err, xapi.ErrUserNotFound) {
			metrics.SkippedAbsentTarget.Inc()
			slog.Info("Target account absent, skipping",
				"mentionId", m.ID,
				"target", target)
			if err := p.ledger.MarkProcessed(m.ID); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeAbsentTarget, nil
		}
		return OutcomeFailed, err
	}

	if !p.outgoing.Allow(targetUser.Username) {
		metrics.RateLimitedOut.Inc()
		slog.Info("Target over outgoing budget, refusing",
			"mentionId", m.ID,
			"target", targetUser.Username)
		// Terminal refusal: the mention will not be retried
		if err := p.ledger.MarkProcessed(m.ID); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeRateLimitedOut, nil
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return OutcomeFailed, ctx.Err()
	}
	metrics.PipelinesActive.Inc()
	defer func() {
		<-p.slots
		metrics.PipelinesActive.Dec()
	}()

	runID := uuid.NewString()
	pfpURL := batch.NormalizePFPURL(targetUser.ProfileImageURL)

	slog.Info("Reply pipeline started",
		"runId", runID,
		"mentionId", m.ID,
		"target", targetUser.Username)

	image, err := p.renderer.Render(ctx, pfpURL)
	if err != nil {
		metrics.AIFailures.Inc()
		slog.Warn("Image transform failed, sending text-only fallback",
			"runId", runID,
			"mentionId", m.ID,
			"error", err)
		return p.sendFallback(ctx, m, runID)
	}

	mediaID, err := p.postWithRateLimitRetry(ctx, func(ctx context.Context) (string, error) {
		return p.poster.UploadMedia(ctx, image, "image/jpeg")
	})
	if err != nil {
		metrics.PostFailures.Inc()
		return OutcomeFailed, fmt.Errorf("media upload failed: %w", err)
	}

	text := fmt.Sprintf(replyTemplate, targetUser.Username)
	replyID, err := p.postWithRateLimitRetry(ctx, func(ctx context.Context) (string, error) {
		return p.poster.CreateReply(ctx, text, m.ID, []string{mediaID})
	})
	if err != nil {
		metrics.PostFailures.Inc()
		return OutcomeFailed, fmt.Errorf("reply post failed: %w", err)
	}

	if err := p.ledger.MarkProcessed(m.ID); err != nil {
		return OutcomeFailed, err
	}
	metrics.MentionsProcessed.Inc()
	metrics.RepliesSent.Inc()

	slog.Info("Reply pipeline finished",
		"runId", runID,
		"mentionId", m.ID,
		"replyId", replyID)
	return OutcomeReplied, nil
}

// sendFallback posts the text-only apology. A post failure here leaves
// the mention unprocessed; success marks it handled.
func (p *Pipeline) sendFallback(ctx context.Context, m xapi.Mention, runID string) (Outcome, error) {
	_, err := p.postWithRateLimitRetry(ctx, func(ctx context.Context) (string, error) {
		return p.poster.CreateReply(ctx, fallbackText, m.ID, nil)
	})
	if err != nil {
		metrics.PostFailures.Inc()
		return OutcomeFailed, fmt.Errorf("fallback post failed: %w", err)
	}
	if err := p.ledger.MarkProcessed(m.ID); err != nil {
		return OutcomeFailed, err
	}
	metrics.MentionsProcessed.Inc()
	slog.Info("Fallback reply posted", "runId", runID, "mentionId", m.ID)
	return OutcomeFallback, nil
}

// postWithRateLimitRetry retries a write exactly once after a 429.
// The client has already slept until the window reset.
func (p *Pipeline) postWithRateLimitRetry(ctx context.Context, post func(ctx context.Context) (string, error)) (string, error) {
	id, err := post(ctx)
	if err != nil && xapi.IsRateLimited(err) {
		return post(ctx)
	}
	return id, err
}
