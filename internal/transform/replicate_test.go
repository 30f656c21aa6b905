package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRenderClient(baseURL string) *Client {
	c := NewClient(Options{
		Token:        "tok",
		Model:        "google/nano-banana",
		StyleURL:     "https://cdn.example/style.jpeg",
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
		MaxAttempts:  2,
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestRenderSubmitPollDownload(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()

	var srv *httptest.Server
	mux.HandleFunc("POST /predictions", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Version string `json:"version"`
			Input   struct {
				Prompt      string   `json:"prompt"`
				ImageInput  []string `json:"image_input"`
				AspectRatio string   `json:"aspect_ratio"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode submit payload: %v", err)
		}
		if len(payload.Input.ImageInput) != 2 || payload.Input.ImageInput[0] != "https://cdn.example/style.jpeg" {
			t.Errorf("Expected style URL first in image_input, got %v", payload.Input.ImageInput)
		}
		if payload.Input.AspectRatio != "match_input_image" {
			t.Errorf("Unexpected aspect_ratio: %s", payload.Input.AspectRatio)
		}
		fmt.Fprint(w, `{"id":"p1","status":"starting"}`)
	})
	mux.HandleFunc("GET /predictions/p1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"id":"p1","status":"processing"}`)
			return
		}
		fmt.Fprintf(w, `{"id":"p1","status":"succeeded","output":["%s/out.jpg"]}`, srv.URL)
	})
	mux.HandleFunc("GET /out.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpegbytes"))
	})

	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestRenderClient(srv.URL)
	data, err := c.Render(t.Context(), "https://img/alice_400x400.jpg")
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if string(data) != "jpegbytes" {
		t.Errorf("Unexpected output bytes: %q", data)
	}
}

func TestRenderFailedPrediction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predictions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p2","status":"failed","error":"nsfw content"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestRenderClient(srv.URL)
	_, err := c.Render(t.Context(), "https://img/alice.jpg")
	if err == nil {
		t.Fatal("Expected error for failed prediction")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("Expected transform.Error, got %v", err)
	}
	if te.PredictionID != "p2" {
		t.Errorf("Expected prediction id p2, got %q", te.PredictionID)
	}
	if !strings.Contains(te.Message, "nsfw") {
		t.Errorf("Expected service error in message, got %q", te.Message)
	}
}

func TestRenderRetriesUpToMaxAttempts(t *testing.T) {
	var submits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predictions", func(w http.ResponseWriter, r *http.Request) {
		submits.Add(1)
		fmt.Fprint(w, `{"id":"p3","status":"canceled"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestRenderClient(srv.URL)
	_, err := c.Render(t.Context(), "https://img/alice.jpg")
	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if got := submits.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestRenderTimeoutDuringPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /predictions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p4","status":"starting"}`)
	})
	mux.HandleFunc("GET /predictions/p4", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"p4","status":"processing"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Options{
		Token:        "tok",
		Model:        "google/nano-banana",
		StyleURL:     "https://cdn.example/style.jpeg",
		BaseURL:      srv.URL,
		Timeout:      50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  1,
	})

	_, err := c.Render(t.Context(), "https://img/alice.jpg")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestValidateStyleURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", r.Method)
		}
		if r.URL.Path == "/missing.jpg" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{StyleURL: srv.URL + "/style.jpg"})
	if err := c.ValidateStyleURL(t.Context()); err != nil {
		t.Errorf("Expected valid style URL, got %v", err)
	}

	c = NewClient(Options{StyleURL: srv.URL + "/missing.jpg"})
	if err := c.ValidateStyleURL(t.Context()); err == nil {
		t.Error("Expected error for missing style URL")
	}
}

func TestOutputURLShapes(t *testing.T) {
	if u, err := outputURL(json.RawMessage(`"https://x/a.jpg"`)); err != nil || u != "https://x/a.jpg" {
		t.Errorf("String shape failed: %q %v", u, err)
	}
	if u, err := outputURL(json.RawMessage(`["https://x/a.jpg","https://x/b.jpg"]`)); err != nil || u != "https://x/a.jpg" {
		t.Errorf("List shape failed: %q %v", u, err)
	}
	if _, err := outputURL(json.RawMessage(`[]`)); err == nil {
		t.Error("Expected error for empty list")
	}
	if _, err := outputURL(nil); err == nil {
		t.Error("Expected error for missing output")
	}
}

func TestPlaceholderFetchesProfileImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("pfpbytes"))
	}))
	defer srv.Close()

	p := NewPlaceholder(time.Second)
	data, err := p.Render(t.Context(), srv.URL+"/alice_400x400.jpg")
	if err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if string(data) != "pfpbytes" {
		t.Errorf("Unexpected bytes: %q", data)
	}

	if _, err := p.Render(t.Context(), srv.URL+"/gone.jpg"); err == nil {
		t.Error("Expected error for missing profile image")
	}
}
