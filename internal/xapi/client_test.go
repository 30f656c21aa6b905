package xapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Options{
		BearerToken:    "bearer",
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		AccessToken:    "at",
		AccessSecret:   "as",
		Timeout:        5 * time.Second,
		BaseURL:        srv.URL,
		LegacyBaseURL:  srv.URL,
		UploadBaseURL:  srv.URL,
	}, NewRegistry())
}

func TestGetMentionsParsesAndSortsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/users/42/mentions") {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since_id"); got != "100" {
			t.Errorf("Expected since_id=100, got %s", got)
		}
		w.Header().Set("x-rate-limit-limit", "15")
		w.Header().Set("x-rate-limit-remaining", "14")
		w.Header().Set("x-rate-limit-reset", "1700000000")
		fmt.Fprint(w, `{
			"data": [
				{"id": "205", "author_id": "9", "text": "@crybbmaker @Alice", "created_at": "2025-11-01T12:00:00Z",
				 "entities": {"mentions": [{"username": "crybbmaker", "start": 0, "end": 11}, {"username": "Alice", "start": 12, "end": 18}]}},
				{"id": "103", "author_id": "8", "text": "@crybbmaker hi", "created_at": "2025-11-01T11:00:00Z",
				 "entities": {"mentions": [{"username": "crybbmaker", "start": 0, "end": 11}]}}
			],
			"includes": {"users": [
				{"id": "9", "username": "Bob", "profile_image_url": "https://img/bob_normal.jpg"},
				{"id": "8", "username": "Alice", "profile_image_url": "https://img/alice_normal.jpg"}
			]}
		}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	batch, err := c.GetMentions(t.Context(), "42", "100")
	if err != nil {
		t.Fatalf("GetMentions returned error: %v", err)
	}

	if len(batch.Mentions) != 2 {
		t.Fatalf("Expected 2 mentions, got %d", len(batch.Mentions))
	}
	if batch.Mentions[0].ID != "103" || batch.Mentions[1].ID != "205" {
		t.Errorf("Expected id-ascending order, got %s then %s", batch.Mentions[0].ID, batch.Mentions[1].ID)
	}
	if _, ok := batch.Users["alice"]; !ok {
		t.Error("Expected expansion users keyed by lowercase username")
	}
	if len(batch.Mentions[1].Entities) != 2 {
		t.Errorf("Expected 2 entities on mention 205, got %d", len(batch.Mentions[1].Entities))
	}

	info, ok := c.Registry().Get(EndpointMentions)
	if !ok || info.Remaining != 14 {
		t.Errorf("Expected registry to capture headers, got %+v (ok=%v)", info, ok)
	}
}

func TestGetUserByUsernameNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors":[{"title":"Not Found Error"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetUserByUsername(t.Context(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestGetUserByUsernameSuspended(t *testing.T) {
	// Suspended accounts come back as a 200 with an errors block
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"title":"Forbidden"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetUserByUsername(t.Context(), "suspended")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Three server errors exhaust the retries but not the budget
		if calls < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":{"id":"42","username":"crybbmaker"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	me, err := c.Me(t.Context())
	if err != nil {
		t.Fatalf("Me returned error after retries: %v", err)
	}
	if me.ID != "42" {
		t.Errorf("Unexpected identity: %+v", me)
	}
	if calls != 4 {
		t.Errorf("Expected initial attempt plus 3 retries, got %d calls", calls)
	}
}

func TestCallExhaustsRetryBudget(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Me(t.Context())
	if err == nil {
		t.Fatal("Expected error after retry budget exhausted")
	}
	var se *ServerError
	if !errors.As(err, &se) {
		t.Errorf("Expected wrapped ServerError, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected initial attempt plus 3 retries, got %d calls", calls)
	}
}

func TestCallFailsFastOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"title":"Forbidden"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.OwnTimeline(t.Context(), "42")

	var ce *ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ClientError, got %v", err)
	}
	if ce.StatusCode != http.StatusForbidden {
		t.Errorf("Unexpected status: %d", ce.StatusCode)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt on 4xx, got %d", calls)
	}
}

func TestCallRateLimited(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Reset already in the past so the sleep returns immediately
		w.Header().Set("x-rate-limit-limit", "15")
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", "1600000000")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.OwnTimeline(t.Context(), "42")

	if !IsRateLimited(err) {
		t.Fatalf("Expected RateLimitedError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retry after 429, got %d attempts", calls)
	}
}

func TestUploadMediaSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1.1/media/upload.json" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("Failed to parse multipart form: %v", err)
		}
		f, _, err := r.FormFile("media")
		if err != nil {
			t.Fatalf("Missing media part: %v", err)
		}
		f.Close()
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "OAuth ") {
			t.Errorf("Expected OAuth1 signature, got %q", auth)
		}
		fmt.Fprint(w, `{"media_id_string":"711"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.UploadMedia(t.Context(), []byte{0xff, 0xd8, 0xff}, "image/jpeg")
	if err != nil {
		t.Fatalf("UploadMedia returned error: %v", err)
	}
	if id != "711" {
		t.Errorf("Expected media id 711, got %s", id)
	}
}

func TestCreateReplyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text  string `json:"text"`
			Reply struct {
				InReplyToTweetID string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
			Media struct {
				MediaIDs []string `json:"media_ids"`
			} `json:"media"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if payload.Reply.InReplyToTweetID != "205" {
			t.Errorf("Expected in_reply_to_tweet_id 205, got %s", payload.Reply.InReplyToTweetID)
		}
		if len(payload.Media.MediaIDs) != 1 || payload.Media.MediaIDs[0] != "711" {
			t.Errorf("Unexpected media ids: %v", payload.Media.MediaIDs)
		}
		fmt.Fprint(w, `{"data":{"id":"300"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.CreateReply(t.Context(), "Welcome!", "205", []string{"711"})
	if err != nil {
		t.Fatalf("CreateReply returned error: %v", err)
	}
	if id != "300" {
		t.Errorf("Expected reply id 300, got %s", id)
	}
}

func TestCreateReplyDryRunWritesOutbox(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{
		BearerToken: "bearer",
		DryRun:      true,
		OutboxDir:   dir,
	}, NewRegistry())

	id, err := c.CreateReply(t.Context(), "Welcome!", "205", []string{"711"})
	if err != nil {
		t.Fatalf("CreateReply returned error: %v", err)
	}
	if !strings.HasPrefix(id, "dryrun-reply-") {
		t.Errorf("Unexpected dry-run id: %s", id)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "reply_205.json"))
	if err != nil {
		t.Fatalf("Expected outbox file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("Outbox file is not JSON: %v", err)
	}
	if record["text"] != "Welcome!" {
		t.Errorf("Unexpected outbox text: %v", record["text"])
	}
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"9", "10", -1},
		{"10", "9", 1},
		{"100", "100", 0},
		{"1845072637381001234", "1845072637381001235", -1},
		{"999999999999999999", "1000000000000000000", -1},
	}
	for _, tc := range cases {
		if got := CompareIDs(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareIDs(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
