// Package streamcheck classifies and validates resolved stream URLs before
// they are handed to a player. Classification is cheap (extension, then a
// ranged request for Content-Type); validation parses HLS manifests so dead
// links are caught here rather than at playback.
package streamcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/magbridge/magbridge/internal/httpclient"
)

// ErrDeadManifest means the stream URL answered but its manifest carries no
// playable variants or segments.
var ErrDeadManifest = errors.New("manifest has no playable entries")

// Type is a coarse stream classification.
type Type string

const (
	TypeUnknown Type = ""
	TypeHLS     Type = "hls"
	TypeMPEGTS  Type = "mpegts"
	TypeMP4     Type = "mp4"
)

// Checker validates stream URLs.
type Checker struct {
	Client  *http.Client
	Timeout time.Duration
}

// New returns a Checker with the shared default client.
func New(client *http.Client) *Checker {
	if client == nil {
		client = httpclient.Default()
	}
	return &Checker{Client: client, Timeout: 8 * time.Second}
}

// Classify returns the stream type, preferring the URL extension and falling
// back to a one-byte ranged request for the Content-Type header.
func (c *Checker) Classify(ctx context.Context, streamURL string) (Type, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return TypeUnknown, err
	}
	switch {
	case strings.HasSuffix(strings.ToLower(u.Path), ".m3u8"):
		return TypeHLS, nil
	case strings.HasSuffix(strings.ToLower(u.Path), ".ts"):
		return TypeMPEGTS, nil
	case strings.HasSuffix(strings.ToLower(u.Path), ".mp4"):
		return TypeMP4, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return TypeUnknown, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.Client.Do(req)
	if err != nil {
		return TypeUnknown, err
	}
	resp.Body.Close()

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "mpegurl"):
		return TypeHLS, nil
	case strings.Contains(ct, "video/mp2t"):
		return TypeMPEGTS, nil
	case strings.Contains(ct, "mp4"):
		return TypeMP4, nil
	}
	return TypeUnknown, fmt.Errorf("unrecognized content type %q", ct)
}

// CheckHLS fetches and parses the manifest at streamURL. Master playlists
// must list at least one variant, media playlists at least one segment.
func (c *Checker) CheckHLS(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest fetch: HTTP %d", resp.StatusCode)
	}

	playlist, kind, err := m3u8.Decode(*bytes.NewBuffer(body), true)
	if err != nil {
		return fmt.Errorf("manifest parse: %w", err)
	}
	switch kind {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return ErrDeadManifest
		}
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		if media.Count() == 0 {
			return ErrDeadManifest
		}
	}
	return nil
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 8 * time.Second
}
