package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mention processing metrics

	// MentionsProcessed tracks mentions whose outcome is final
	MentionsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "processed_total",
			Help:      "Total mentions with a terminal outcome",
		},
	)

	// RepliesSent tracks image replies successfully posted
	RepliesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "replies_sent_total",
			Help:      "Total image replies posted",
		},
	)

	// AIFailures tracks transform failures that fell back to a text-only reply
	AIFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "ai_fail_total",
			Help:      "Total transform failures that triggered the text-only fallback",
		},
	)

	// PostFailures tracks upload/post failures that left the mention for retry
	PostFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "post_fail_total",
			Help:      "Total media-upload or reply-post failures",
		},
	)

	// RateLimitedIn tracks mentions skipped by the per-author limiter
	RateLimitedIn = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "rate_limited_in_total",
			Help:      "Total mentions rejected by the per-author limiter",
		},
	)

	// RateLimitedOut tracks mentions refused by the per-target limiter
	RateLimitedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "rate_limited_out_total",
			Help:      "Total mentions refused by the per-target limiter",
		},
	)

	// SkippedAbsentTarget tracks mentions whose target user could not be resolved
	SkippedAbsentTarget = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "skip_absent_target_total",
			Help:      "Total mentions skipped because the target user is absent",
		},
	)

	// LastMentionTime tracks the created_at of the newest mention seen
	LastMentionTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crybb",
			Subsystem: "mentions",
			Name:      "last_mention_timestamp_seconds",
			Help:      "Unix time of the most recently observed mention",
		},
	)

	// API client metrics

	// APIRequests tracks microblog API requests by endpoint and status
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total microblog API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APIRequestDuration tracks microblog API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crybb",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Microblog API request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// APIRateLimitRemaining tracks the last observed x-rate-limit-remaining per endpoint
	APIRateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crybb",
			Subsystem: "api",
			Name:      "rate_limit_remaining",
			Help:      "Last observed x-rate-limit-remaining header per endpoint",
		},
		[]string{"endpoint"},
	)

	// APIRateLimitSleeps tracks sleeps forced by the rate-limit registry
	APIRateLimitSleeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "api",
			Name:      "rate_limit_sleeps_total",
			Help:      "Total blocking sleeps waiting for an endpoint quota reset",
		},
		[]string{"endpoint"},
	)

	// Transform service metrics

	// TransformDuration tracks end-to-end transform duration per outcome
	TransformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crybb",
			Subsystem: "transform",
			Name:      "duration_seconds",
			Help:      "End-to-end image transform duration",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"outcome"}, // success, failure
	)

	// Pipeline metrics

	// PipelinesActive tracks reply pipelines currently holding a slot
	PipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crybb",
			Subsystem: "pipeline",
			Name:      "active",
			Help:      "Reply pipelines currently holding a concurrency slot",
		},
	)

	// Scheduler metrics

	// PollIterations tracks poll iterations by cadence mode
	PollIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "scheduler",
			Name:      "poll_iterations_total",
			Help:      "Total poll iterations by cadence mode",
		},
		[]string{"mode"}, // awake, quiet
	)

	// RepostsSent tracks quiet-period reposts
	RepostsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crybb",
			Subsystem: "scheduler",
			Name:      "reposts_sent_total",
			Help:      "Total quiet-period reposts of the bot's own posts",
		},
	)
)
