// Package xtream speaks the Xtream Codes panel convention: player_api.php
// credential auth, get_live_streams for the catalogue, and path-constructed
// playback URLs. Unlike the Stalker flow there is no token or state machine;
// every call carries the username/password pair.
package xtream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/magbridge/magbridge/internal/catalog"
	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/normalize"
)

// ErrAuthRejected means the panel answered but did not accept the credential.
var ErrAuthRejected = errors.New("xtream panel rejected credentials")

// Client is a stateless Xtream panel client.
type Client struct {
	BaseURL    string // normalized, no trailing slash
	Username   string
	Password   string
	StreamExt  string // "m3u8" or "ts"; m3u8 by default
	HTTPClient *http.Client

	// streamBase is filled from server_info during Authenticate; playback
	// URLs use it when the panel redirects streams to another host.
	streamBase string
}

// New returns a Client for the given panel base URL.
func New(baseURL, user, pass string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.Default()
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Username:   user,
		Password:   pass,
		StreamExt:  "m3u8",
		HTTPClient: httpClient,
	}
}

func (c *Client) apiURL(action string, extra url.Values) string {
	params := url.Values{
		"username": {c.Username},
		"password": {c.Password},
	}
	if action != "" {
		params.Set("action", action)
	}
	for k, vs := range extra {
		if len(vs) > 0 {
			params.Set(k, vs[0])
		}
	}
	return c.BaseURL + "/player_api.php?" + params.Encode()
}

func (c *Client) get(ctx context.Context, action string, extra url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(action, extra), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoOnce429(ctx, c.HTTPClient, req)
	if err != nil {
		return nil, err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xtream %s: HTTP %d", action, resp.StatusCode)
	}
	return body, nil
}

// Authenticate checks the credential against player_api.php and records the
// panel's advertised stream host for playback URL construction.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := c.get(ctx, "", nil)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	var auth struct {
		UserInfo *struct {
			Auth     json.Number `json:"auth"`
			Username string      `json:"username"`
			Password string      `json:"password"`
		} `json:"user_info"`
		ServerInfo *struct {
			URL       string      `json:"url"`
			Port      json.Number `json:"port"`
			HTTPSPort json.Number `json:"https_port"`
		} `json:"server_info"`
	}
	if err := json.Unmarshal(body, &auth); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	// Panels signal acceptance with auth:1; anything else, including an
	// absent field, is a rejection.
	if auth.UserInfo == nil {
		return ErrAuthRejected
	}
	if a := auth.UserInfo.Auth.String(); a == "" || a == "0" {
		return ErrAuthRejected
	}
	// Panels sometimes rewrite the credential in user_info; later calls must
	// use the rewritten pair.
	if auth.UserInfo.Username != "" {
		c.Username = auth.UserInfo.Username
	}
	if auth.UserInfo.Password != "" {
		c.Password = auth.UserInfo.Password
	}
	c.streamBase = resolveStreamBase(c.BaseURL, auth.ServerInfo)
	return nil
}

// resolveStreamBase picks the playback host: server_info when the panel
// advertises one, the API base otherwise. Default ports are elided.
func resolveStreamBase(apiBase string, serverInfo *struct {
	URL       string      `json:"url"`
	Port      json.Number `json:"port"`
	HTTPSPort json.Number `json:"https_port"`
}) string {
	if serverInfo == nil || serverInfo.URL == "" {
		return apiBase
	}
	host := strings.TrimSuffix(serverInfo.URL, "/")
	port := serverInfo.Port.String()
	scheme := "http"
	if hp := serverInfo.HTTPSPort.String(); hp != "" && hp == port {
		scheme = "https"
	}
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return scheme + "://" + host
	}
	return scheme + "://" + host + ":" + port
}

// Categories fetches get_live_categories as a category_id -> name map.
// Best effort: panels without category support just lose group names, so
// failures are logged and an empty map returned.
func (c *Client) Categories(ctx context.Context) map[string]string {
	body, err := c.get(ctx, "get_live_categories", nil)
	if err != nil {
		log.Printf("xtream: category fetch failed (groups default): %v", err)
		return map[string]string{}
	}
	var cats []struct {
		CategoryID   any    `json:"category_id"`
		CategoryName string `json:"category_name"`
	}
	if err := json.Unmarshal(body, &cats); err != nil {
		log.Printf("xtream: category decode failed (groups default): %v", err)
		return map[string]string{}
	}
	out := make(map[string]string, len(cats))
	for _, cat := range cats {
		if id := idString(cat.CategoryID); id != "" && cat.CategoryName != "" {
			out[id] = cat.CategoryName
		}
	}
	return out
}

// FetchChannels retrieves get_live_streams and maps each stream to a channel
// with a fully constructed direct playback URL.
func (c *Client) FetchChannels(ctx context.Context) ([]catalog.Channel, error) {
	categories := c.Categories(ctx)

	body, err := c.get(ctx, "get_live_streams", nil)
	if err != nil {
		return nil, fmt.Errorf("live streams: %w", err)
	}
	var streams []struct {
		StreamID   any    `json:"stream_id"`
		Num        any    `json:"num"`
		Name       string `json:"name"`
		StreamIcon string `json:"stream_icon"`
		CategoryID any    `json:"category_id"`
	}
	if err := json.Unmarshal(body, &streams); err != nil {
		// Some panels answer with a portal-style wrapped object instead of
		// a bare array; the shape normalizer handles those.
		return normalize.Channels(body)
	}
	if len(streams) == 0 {
		return nil, normalize.ErrEmptyCatalog
	}

	channels := make([]catalog.Channel, 0, len(streams))
	for i, s := range streams {
		sid := idString(s.StreamID)
		if sid == "" {
			sid = strconv.Itoa(i + 1)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = "Channel " + sid
		}
		group := categories[idString(s.CategoryID)]
		if group == "" {
			group = catalog.DefaultGroup
		}
		channels = append(channels, catalog.Channel{
			ID:      sid,
			Name:    name,
			Number:  idString(s.Num),
			Group:   group,
			LogoURL: s.StreamIcon,
			Stream:  catalog.DirectRef(c.StreamURL(sid)),
		})
	}
	return channels, nil
}

// StreamURL builds the conventional Xtream live playback URL for a stream id.
func (c *Client) StreamURL(streamID string) string {
	base := c.streamBase
	if base == "" {
		base = c.BaseURL
	}
	ext := c.StreamExt
	if ext == "" {
		ext = "m3u8"
	}
	return fmt.Sprintf("%s/live/%s/%s/%s.%s",
		base, url.PathEscape(c.Username), url.PathEscape(c.Password), url.PathEscape(streamID), ext)
}

// idString renders the panel's loosely typed id fields (number or string).
func idString(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return ""
}
