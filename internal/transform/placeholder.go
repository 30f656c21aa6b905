package transform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Placeholder fetches the target's profile image and returns it
// unchanged. Used when no generation service is configured.
type Placeholder struct {
	http *http.Client
}

// NewPlaceholder creates the passthrough renderer
func NewPlaceholder(timeout time.Duration) *Placeholder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Placeholder{http: &http.Client{Timeout: timeout}}
}

func (p *Placeholder) Render(ctx context.Context, pfpURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pfpURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &Error{Message: "profile image fetch failed: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Message: fmt.Sprintf("profile image fetch returned status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &Error{Message: "profile image was empty"}
	}
	return data, nil
}
