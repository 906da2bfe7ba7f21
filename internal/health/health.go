package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CheckPortal fetches the discovered portal endpoint. Returns nil if the
// server answers with a success status.
func CheckPortal(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("no portal endpoint configured")
	}
	// Portals often reject HEAD; use GET and drain the body so the
	// connection can be reused.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("portal unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckServe hits the local serve-mode endpoints at baseURL and returns the
// first error or nil.
func CheckServe(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/channels", "/playlist.m3u"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
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
