package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"go.crybb.tech/internal/common/metrics"
)

const (
	defaultBaseURL       = "https://api.twitter.com/2"
	defaultLegacyBaseURL = "https://api.twitter.com"
	defaultUploadBaseURL = "https://upload.twitter.com"

	// minRemaining is the registry gate applied before every call
	minRemaining = 2

	// maxRetries counts retries after the initial attempt
	maxRetries  = 3
	baseBackoff = 500 * time.Millisecond

	// identityTTL is how long the bot's own identity is cached
	identityTTL = time.Hour
)

// Options configures the API client
type Options struct {
	// BearerToken authenticates read endpoints
	BearerToken string

	// OAuth1 user-context credentials for write endpoints
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string

	// Timeout applies per request
	Timeout time.Duration

	// DryRun redirects write endpoints into OutboxDir instead of posting
	DryRun    bool
	OutboxDir string

	// Endpoint overrides, used by tests
	BaseURL       string
	LegacyBaseURL string
	UploadBaseURL string
}

// Client wraps the microblog API with two credential classes, a
// per-endpoint rate-limit registry gate, and retry with backoff.
type Client struct {
	opts     Options
	registry *Registry

	bearerHTTP *http.Client
	userHTTP   *http.Client

	// pacer enforces minimum spacing between API calls
	pacer *rate.Limiter

	mu        sync.Mutex
	me        *User
	meFetched time.Time

	dryRunSeq int64
}

// New creates a client. The user-context http.Client signs requests
// with OAuth1; the bearer client attaches the app token per request.
func New(opts Options, registry *Registry) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.LegacyBaseURL == "" {
		opts.LegacyBaseURL = defaultLegacyBaseURL
	}
	if opts.UploadBaseURL == "" {
		opts.UploadBaseURL = defaultUploadBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	oauthCfg := oauth1.NewConfig(opts.ConsumerKey, opts.ConsumerSecret)
	oauthToken := oauth1.NewToken(opts.AccessToken, opts.AccessSecret)
	userHTTP := oauthCfg.Client(oauth1.NoContext, oauthToken)
	userHTTP.Timeout = opts.Timeout

	return &Client{
		opts:     opts,
		registry: registry,
		bearerHTTP: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userHTTP: userHTTP,
		pacer:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// Registry returns the client's rate-limit registry
func (c *Client) Registry() *Registry {
	return c.registry
}

type credential int

const (
	credBearer credential = iota
	credUser
)

// call executes one logical API call: pace, registry gate, then the
// initial attempt plus up to maxRetries retries on 5xx/network errors
// with exponential backoff and ±20% jitter. A 429 sleeps until
// reset+5s and returns a typed RateLimitedError without retrying;
// other 4xx fail fast.
func (c *Client) call(ctx context.Context, endpoint string, cred credential, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.registry.MaybeSleep(ctx, endpoint, minRemaining); err != nil {
		return nil, err
	}

	httpClient := c.bearerHTTP
	if cred == credUser {
		httpClient = c.userHTTP
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if cred == credBearer {
			req.Header.Set("Authorization", "Bearer "+c.opts.BearerToken)
		}

		start := time.Now()
		resp, err := httpClient.Do(req)
		metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("API request failed, will retry",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"error", err)
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		// Every response updates the registry regardless of status
		c.registry.Update(endpoint, resp.Header)
		metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			reset := parseReset(resp.Header)
			if err := c.registry.SleepUntilReset(ctx, endpoint, reset); err != nil {
				return nil, err
			}
			return nil, &RateLimitedError{Endpoint: endpoint, Reset: reset}

		case resp.StatusCode >= 500:
			slog.Warn("API server error, will retry",
				"endpoint", endpoint,
				"status", resp.StatusCode,
				"attempt", attempt+1)
			lastErr = &ServerError{Endpoint: endpoint, StatusCode: resp.StatusCode}
			continue

		default:
			return nil, &ClientError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(body)),
			}
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", endpoint, maxRetries+1, lastErr)
}

// backoffDelay returns 0.5s, 1s, 2s for attempts 1..3, with ±20% jitter
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func parseReset(header http.Header) time.Time {
	if unix, err := strconv.ParseInt(header.Get("x-rate-limit-reset"), 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0)
	}
	return time.Now().Add(time.Minute)
}

// Me returns the bot's own identity, cached for one hour
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.me != nil && time.Since(c.meFetched) < identityTTL {
		me := c.me
		c.mu.Unlock()
		return me, nil
	}
	c.mu.Unlock()

	body, err := c.call(ctx, EndpointMe, credBearer, func(ctx context.Context) (*http.Request, error) {
		u := c.opts.BaseURL + "/users/me?user.fields=id,username,name"
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Data User `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	if out.Data.ID == "" {
		return nil, fmt.Errorf("identity response missing user data")
	}

	c.mu.Lock()
	c.me = &out.Data
	c.meFetched = time.Now()
	c.mu.Unlock()

	slog.Info("Bot identity resolved", "username", out.Data.Username, "id", out.Data.ID)
	return &out.Data, nil
}

// GetUserByUsername looks up a user by handle with the bearer
// credential. Returns ErrUserNotFound for 404 and suspended accounts.
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	endpoint := EndpointUserByHandle
	body, err := c.call(ctx, endpoint, credBearer, func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/users/by/username/%s?user.fields=id,username,name,profile_image_url",
			c.opts.BaseURL, url.PathEscape(username))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	var out struct {
		Data   *User `json:"data"`
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	// The API reports suspended/missing users as a 200 with an errors block
	if out.Data == nil {
		return nil, ErrUserNotFound
	}
	return out.Data, nil
}

// GetMentions fetches one batch of mentions newer than sinceID, with
// expansions carrying every referenced user. Mentions are returned in
// id-ascending order.
func (c *Client) GetMentions(ctx context.Context, userID, sinceID string) (*MentionsBatch, error) {
	body, err := c.call(ctx, EndpointMentions, credBearer, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		q.Set("max_results", "10")
		q.Set("expansions", "author_id,entities.mentions.username")
		q.Set("user.fields", "id,username,name,profile_image_url")
		q.Set("tweet.fields", "created_at,entities,author_id")
		if sinceID != "" {
			q.Set("since_id", sinceID)
		}
		u := fmt.Sprintf("%s/users/%s/mentions?%s", c.opts.BaseURL, url.PathEscape(userID), q.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			ID        string `json:"id"`
			AuthorID  string `json:"author_id"`
			Text      string `json:"text"`
			CreatedAt string `json:"created_at"`
			Entities  struct {
				Mentions []MentionEntity `json:"mentions"`
			} `json:"entities"`
		} `json:"data"`
		Includes struct {
			Users []User `json:"users"`
		} `json:"includes"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode mentions response: %w", err)
	}

	batch := &MentionsBatch{
		Users: make(map[string]User, len(out.Includes.Users)),
	}
	for _, u := range out.Includes.Users {
		batch.Users[strings.ToLower(u.Username)] = u
	}

	for _, m := range out.Data {
		mention := Mention{
			ID:       m.ID,
			AuthorID: m.AuthorID,
			Text:     m.Text,
			Entities: m.Entities.Mentions,
		}
		if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
			mention.CreatedAt = t
		}
		batch.Mentions = append(batch.Mentions, mention)
	}

	sort.Slice(batch.Mentions, func(i, j int) bool {
		return CompareIDs(batch.Mentions[i].ID, batch.Mentions[j].ID) < 0
	})

	return batch, nil
}

// OwnTimeline fetches the bot's recent posts with like counts
func (c *Client) OwnTimeline(ctx context.Context, userID string) ([]Post, error) {
	body, err := c.call(ctx, EndpointTimeline, credBearer, func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/users/%s/tweets?max_results=10&tweet.fields=public_metrics",
			c.opts.BaseURL, url.PathEscape(userID))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			ID            string `json:"id"`
			Text          string `json:"text"`
			PublicMetrics struct {
				LikeCount int `json:"like_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode timeline response: %w", err)
	}

	posts := make([]Post, 0, len(out.Data))
	for _, p := range out.Data {
		posts = append(posts, Post{ID: p.ID, Text: p.Text, LikeCount: p.PublicMetrics.LikeCount})
	}
	return posts, nil
}

// UploadMedia submits an image to the v1.1 multipart upload endpoint
// with the user-context credential and returns the media id.
func (c *Client) UploadMedia(ctx context.Context, image []byte, mimeType string) (string, error) {
	if c.opts.DryRun {
		return c.dryRunMedia(image)
	}

	body, err := c.call(ctx, EndpointMediaUpload, credUser, func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("media", "crybb.jpg")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(image); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		u := c.opts.UploadBaseURL + "/1.1/media/upload.json"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.MediaIDString == "" {
		return "", fmt.Errorf("upload succeeded but media_id_string missing")
	}

	slog.Info("Media uploaded", "mediaId", out.MediaIDString, "bytes", len(image))
	return out.MediaIDString, nil
}

// CreateReply posts a threaded reply, optionally with media attached,
// and returns the created post id.
func (c *Client) CreateReply(ctx context.Context, text, inReplyToID string, mediaIDs []string) (string, error) {
	if c.opts.DryRun {
		return c.dryRunReply(text, inReplyToID, mediaIDs)
	}

	payload := map[string]any{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": inReplyToID,
		},
	}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string][]string{"media_ids": mediaIDs}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	body, err := c.call(ctx, EndpointTweets, credUser, func(ctx context.Context) (*http.Request, error) {
		u := c.opts.BaseURL + "/tweets"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode reply response: %w", err)
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("reply created but id missing")
	}

	slog.Info("Reply posted", "replyId", out.Data.ID, "inReplyTo", inReplyToID)
	return out.Data.ID, nil
}

// Repost re-posts one of the bot's own posts via the v1.1 endpoint
func (c *Client) Repost(ctx context.Context, postID string) error {
	if c.opts.DryRun {
		slog.Info("Dry run: skipping repost", "postId", postID)
		return nil
	}

	_, err := c.call(ctx, EndpointRetweet, credUser, func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/1.1/statuses/retweet/%s.json", c.opts.LegacyBaseURL, url.PathEscape(postID))
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	return err
}

// dryRunMedia fabricates a media id without uploading
func (c *Client) dryRunMedia(image []byte) (string, error) {
	c.mu.Lock()
	c.dryRunSeq++
	id := fmt.Sprintf("dryrun-media-%d", c.dryRunSeq)
	c.mu.Unlock()

	slog.Info("Dry run: media upload skipped", "mediaId", id, "bytes", len(image))
	return id, nil
}

// dryRunReply writes the would-be reply into the outbox directory
func (c *Client) dryRunReply(text, inReplyToID string, mediaIDs []string) (string, error) {
	c.mu.Lock()
	c.dryRunSeq++
	id := fmt.Sprintf("dryrun-reply-%d", c.dryRunSeq)
	c.mu.Unlock()

	record := map[string]any{
		"id":                   id,
		"text":                 text,
		"in_reply_to_tweet_id": inReplyToID,
		"media_ids":            mediaIDs,
		"created_at":           time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}

	if c.opts.OutboxDir != "" {
		if err := os.MkdirAll(c.opts.OutboxDir, 0o755); err != nil {
			return "", err
		}
		path := filepath.Join(c.opts.OutboxDir, fmt.Sprintf("reply_%s.json", inReplyToID))
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return "", err
		}
	}

	slog.Info("Dry run: reply written to outbox", "replyId", id, "inReplyTo", inReplyToID)
	return id, nil
}
