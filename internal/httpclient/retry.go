package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls the single-retry behavior of DoWithRetry.
type RetryPolicy struct {
	Retry429   bool          // honor Retry-After on 429 and retry once
	Max429Wait time.Duration // cap on the 429 wait
	Retry5xx   bool          // fixed backoff on 5xx, retry once
	Backoff5xx time.Duration
}

// DefaultRetryPolicy retries 429 (Retry-After capped at 60s) and 5xx (1s).
var DefaultRetryPolicy = RetryPolicy{
	Retry429:   true,
	Max429Wait: 60 * time.Second,
	Retry5xx:   true,
	Backoff5xx: time.Second,
}

// DoWithRetry performs req, retrying at most once on 429 or 5xx per policy.
// Other 4xx responses are returned as-is; they mean the upstream URL itself
// went bad and retrying the same request cannot help. Caller closes
// resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	wait, retry := retryDelay(resp, policy)
	if !retry {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}

	// The original body (if any) was consumed on the first attempt; retried
	// requests are GET-shaped in this codebase so a bodyless redo is safe.
	redo, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	redo.Header = req.Header.Clone()
	return client.Do(redo)
}

// retryDelay decides whether resp warrants the single retry and how long to
// wait before it.
func retryDelay(resp *http.Response, policy RetryPolicy) (time.Duration, bool) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests && policy.Retry429:
		return parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait), true
	case resp.StatusCode >= 500 && policy.Retry5xx:
		return policy.Backoff5xx, true
	}
	return 0, false
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms, capped at
// max. An absent or unparseable header falls back to one second.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		return capAt(time.Duration(sec)*time.Second, max)
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	return capAt(until, max)
}

func capAt(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
