package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Max429Wait caps how long a Retry-After header can make us wait.
const Max429Wait = 60 * time.Second

// DoOnce429 performs req and, on 429 Too Many Requests, waits Retry-After
// (capped) and retries exactly once. No other status is ever retried: the
// portal session's own single-reauth policy owns 401/403 handling, and
// repeated retries against legacy middleware only make a bad server worse.
// Caller must close resp.Body when err == nil.
func DoOnce429(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return resp, nil
	}
	wait := parseRetryAfter(resp.Header.Get("Retry-After"), Max429Wait)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	req2, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		req2.Header[k] = v
	}
	return client.Do(req2)
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date), capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
