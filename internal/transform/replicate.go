package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"go.crybb.tech/internal/common/metrics"
)

// Options configures the generation-service client
type Options struct {
	Token    string
	Model    string
	StyleURL string

	// BaseURL overrides the service endpoint, used by tests
	BaseURL string

	// Timeout bounds one full submit-poll-download attempt
	Timeout      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// Client drives the external prediction API: submit a job, poll until
// a terminal status, download the output. A circuit breaker shields
// the service when it degrades.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a generation client with defaults filled in
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.replicate.com/v1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "image-transform",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ValidateStyleURL checks the configured style image with a HEAD
// request. Called once at startup.
func (c *Client) ValidateStyleURL(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.opts.StyleURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("style URL unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("style URL returned status %d", resp.StatusCode)
	}
	return nil
}

// Render generates the reply image for pfpURL. The style image comes
// first in the input pair so the service treats it as the reference.
// Retries up to MaxAttempts; each attempt is bounded by Timeout.
func (c *Client) Render(ctx context.Context, pfpURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		start := time.Now()
		result, err := c.breaker.Execute(func() (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			return c.renderOnce(attemptCtx, pfpURL)
		})
		if err == nil {
			metrics.TransformDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
			return result.([]byte), nil
		}

		metrics.TransformDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Image transform attempt failed",
			"attempt", attempt,
			"maxAttempts", c.opts.MaxAttempts,
			"error", err)
		lastErr = err
	}
	return nil, lastErr
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Err    string          `json:"error"`
	Logs   string          `json:"logs"`
}

func (c *Client) renderOnce(ctx context.Context, pfpURL string) ([]byte, error) {
	pred, err := c.submit(ctx, pfpURL)
	if err != nil {
		return nil, err
	}

	for {
		switch pred.Status {
		case "succeeded":
			url, err := outputURL(pred.Output)
			if err != nil {
				return nil, &Error{Message: err.Error(), PredictionID: pred.ID}
			}
			return c.download(ctx, url, pred.ID)

		case "failed", "canceled":
			reason := pred.Err
			if reason == "" {
				reason = pred.Status
			}
			return nil, &Error{Message: "prediction " + pred.Status + ": " + reason, PredictionID: pred.ID}
		}

		if err := c.sleep(ctx, c.opts.PollInterval); err != nil {
			return nil, &Error{Message: "prediction timed out", PredictionID: pred.ID}
		}
		pred, err = c.poll(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) submit(ctx context.Context, pfpURL string) (*prediction, error) {
	payload := map[string]any{
		"version": c.opts.Model,
		"input": map[string]any{
			"prompt":        prompt,
			"image_input":   []string{c.opts.StyleURL, pfpURL},
			"aspect_ratio":  "match_input_image",
			"output_format": "jpg",
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/predictions", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.opts.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Message: fmt.Sprintf("submit returned status %d: %s", resp.StatusCode, body)}
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, &Error{Message: "failed to decode prediction: " + err.Error()}
	}
	if pred.ID == "" {
		return nil, &Error{Message: "prediction id missing from response"}
	}
	return &pred, nil
}

func (c *Client) poll(ctx context.Context, id string) (*prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.opts.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Message: fmt.Sprintf("poll returned status %d", resp.StatusCode), PredictionID: id}
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, &Error{Message: "failed to decode prediction: " + err.Error(), PredictionID: id}
	}
	return &pred, nil
}

func (c *Client) download(ctx context.Context, url, predID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Message: fmt.Sprintf("output download returned status %d", resp.StatusCode), PredictionID: predID}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &Error{Message: "output download was empty", PredictionID: predID}
	}
	return data, nil
}

// outputURL accepts either a bare URL string or a list of URLs
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}

	return "", fmt.Errorf("unrecognized output shape")
}
