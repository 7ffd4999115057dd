package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/webtuner/webtuner/internal/httpclient"
)

// CheckGuide fetches the upstream guide URL. Returns nil when it answers
// 200; a redirect to a login page still counts as reachable (auth problems
// surface in the tuner, not here).
func CheckGuide(ctx context.Context, guideURL string) error {
	if guideURL == "" {
		return fmt.Errorf("no guide URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, guideURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.WithTimeout(15 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("guide unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guide returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits the gateway's own surface at baseURL and returns the
// first error or nil. Used as a post-start self check.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(5 * time.Second)
	for _, path := range []string{"/healthz", "/playlist.m3u", "/tuners"} {
		url := baseURL + path
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
