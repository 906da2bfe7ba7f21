// Package portal drives the stateful Stalker/MAG portal session: handshake,
// token authentication, profile, channel list, and per-channel stream-link
// creation. Transitions are strictly sequential and the session owns the
// token; callers never see raw portal envelopes except the opaque EPG
// passthrough.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/magbridge/magbridge/internal/catalog"
	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/metrics"
	"github.com/magbridge/magbridge/internal/normalize"
)

var (
	// ErrHandshakeFailed means the server did not answer the handshake
	// action with a parseable envelope.
	ErrHandshakeFailed = errors.New("portal handshake failed")
	// ErrTokenMissing means the auth response envelope lacked js.token.
	// Distinct from HTTP failure: the server answered, but without a token.
	ErrTokenMissing = errors.New("token missing from portal response")
	// ErrAuthRejected means the portal rejected the credential even after
	// the single permitted re-handshake.
	ErrAuthRejected = errors.New("portal rejected credentials")
	// ErrStreamLinkUnavailable means create_link answered without a
	// playable URL in its envelope.
	ErrStreamLinkUnavailable = errors.New("stream link unavailable")
	// ErrBadState is returned when an operation is called out of sequence.
	ErrBadState = errors.New("operation not valid in current session state")
)

// State is the session's position in the connect sequence.
type State string

const (
	StateNew               State = "new"
	StateHandshakeInFlight State = "handshake_in_flight"
	StateHandshaked        State = "handshaked"
	StateTokenInFlight     State = "token_in_flight"
	StateAuthenticated     State = "authenticated"
	StateProfileFetched    State = "profile_fetched"
	StateCatalogFetched    State = "catalog_fetched"
	StateFailed            State = "failed"
)

// stbUserAgent mimics the legacy QtEmbedded STB client. Portals reject
// requests without this signature, so it is a required header value.
const stbUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// Credential is either a MAC address or a username/password pair.
type Credential struct {
	MAC      string
	Username string
	Password string
}

// Session is one ephemeral portal session. Not safe for concurrent use by
// multiple goroutines; the engine serializes access.
type Session struct {
	endpoint string // full portal API URL, e.g. http://host/portal.php
	cred     Credential
	client   *http.Client
	timezone string

	mu       sync.Mutex
	state    State
	token    string
	issuedAt time.Time
	failure  error
}

// NewSession creates a session against the discovered portal endpoint.
// client may be nil to use the shared default.
func NewSession(endpoint string, cred Credential, client *http.Client) *Session {
	if client == nil {
		client = httpclient.Default()
	}
	return &Session{
		endpoint: endpoint,
		cred:     cred,
		client:   client,
		timezone: "Europe/London",
		state:    StateNew,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the current token and when it was issued. The portal never
// publishes a TTL; 401/403/invalid-token responses are the only expiry
// signal, handled internally by the single-reauth policy.
func (s *Session) Token() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.issuedAt
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.token = ""
	s.mu.Unlock()
	return err
}

// jsEnvelope is the nested response wrapper every portal action uses.
type jsEnvelope struct {
	Js struct {
		Token string `json:"token"`
		Cmd   string `json:"cmd"`
	} `json:"js"`
}

// Handshake establishes that the server speaks the Stalker protocol. Success
// yields an internal marker only; Authenticate produces the usable token.
func (s *Session) Handshake(ctx context.Context) error {
	if st := s.State(); st != StateNew && st != StateFailed {
		return fmt.Errorf("%w: handshake from %s", ErrBadState, st)
	}
	s.setState(StateHandshakeInFlight)

	body, status, err := s.get(ctx, url.Values{
		"type":          {"stb"},
		"action":        {"handshake"},
		"JsHttpRequest": {"1-xml"},
	}, "")
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	if status != http.StatusOK {
		return s.fail(fmt.Errorf("%w: HTTP %d", ErrHandshakeFailed, status))
	}
	var env jsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	s.mu.Lock()
	s.token = env.Js.Token // provisional marker; replaced by Authenticate
	s.state = StateHandshaked
	s.mu.Unlock()
	return nil
}

// Authenticate exchanges the credential for the session token (js.token).
// MAC credentials re-run the handshake action bound to the provisional
// marker; username/password credentials use do_auth.
func (s *Session) Authenticate(ctx context.Context) error {
	if st := s.State(); st != StateHandshaked {
		return fmt.Errorf("%w: authenticate from %s", ErrBadState, st)
	}
	s.setState(StateTokenInFlight)

	params := url.Values{
		"type":          {"stb"},
		"JsHttpRequest": {"1-xml"},
	}
	if s.cred.Username != "" {
		params.Set("action", "do_auth")
		params.Set("login", s.cred.Username)
		params.Set("password", s.cred.Password)
	} else {
		params.Set("action", "handshake")
		params.Set("mac", s.cred.MAC)
		if marker, _ := s.Token(); marker != "" {
			params.Set("token", marker)
		}
	}

	body, status, err := s.get(ctx, params, "")
	if err != nil {
		return s.fail(fmt.Errorf("authenticate: %w", err))
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return s.fail(fmt.Errorf("%w: HTTP %d", ErrAuthRejected, status))
	}
	if status != http.StatusOK {
		return s.fail(fmt.Errorf("authenticate: HTTP %d", status))
	}
	var env jsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return s.fail(fmt.Errorf("authenticate: %w", err))
	}
	if env.Js.Token == "" {
		return s.fail(ErrTokenMissing)
	}
	s.mu.Lock()
	s.token = env.Js.Token
	s.issuedAt = time.Now()
	s.state = StateAuthenticated
	s.mu.Unlock()
	return nil
}

// FetchProfile retrieves the STB profile. The profile is metadata only:
// failure here never aborts the connect sequence, so errors are logged and
// swallowed, and the state advances regardless.
func (s *Session) FetchProfile(ctx context.Context) json.RawMessage {
	if st := s.State(); st != StateAuthenticated {
		log.Printf("portal: skipping profile fetch in state %s", st)
		return nil
	}
	body, err := s.authedGet(ctx, "get_profile", url.Values{
		"type":          {"stb"},
		"action":        {"get_profile"},
		"JsHttpRequest": {"1-xml"},
	})
	if s.State() == StateFailed {
		return nil
	}
	s.setState(StateProfileFetched)
	if err != nil {
		log.Printf("portal: profile fetch failed (non-fatal): %v", err)
		return nil
	}
	return body
}

// FetchChannels retrieves and normalizes the channel list. An empty result
// after a structurally valid response surfaces normalize.ErrEmptyCatalog;
// it is not a retry trigger.
func (s *Session) FetchChannels(ctx context.Context) ([]catalog.Channel, error) {
	switch s.State() {
	case StateAuthenticated, StateProfileFetched, StateCatalogFetched:
	default:
		return nil, fmt.Errorf("%w: fetch channels from %s", ErrBadState, s.State())
	}
	body, err := s.authedGet(ctx, "get_all_channels", url.Values{
		"type":          {"itv"},
		"action":        {"get_all_channels"},
		"JsHttpRequest": {"1-xml"},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}
	channels, err := normalize.Channels(body)
	if err != nil {
		return nil, fmt.Errorf("fetch channels: %w", err)
	}
	s.setState(StateCatalogFetched)
	return channels, nil
}

// ResolveStreamLink exchanges a channel's opaque command for a playable URL
// via the portal's create_link action.
func (s *Session) ResolveStreamLink(ctx context.Context, channelCmd string) (string, error) {
	switch s.State() {
	case StateAuthenticated, StateProfileFetched, StateCatalogFetched:
	default:
		return "", fmt.Errorf("%w: resolve stream link from %s", ErrBadState, s.State())
	}
	body, err := s.authedGet(ctx, "create_link", url.Values{
		"type":           {"itv"},
		"action":         {"create_link"},
		"cmd":            {channelCmd},
		"forced_storage": {"undefined"},
		"disable_ad":     {"0"},
		"JsHttpRequest":  {"1-xml"},
	})
	if err != nil {
		return "", fmt.Errorf("resolve stream link: %w", err)
	}
	var env jsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("resolve stream link: %w", err)
	}
	link := extractStreamURL(env.Js.Cmd)
	if link == "" {
		return "", ErrStreamLinkUnavailable
	}
	return link, nil
}

// FetchEPG returns the raw EPG envelope for a channel, passed through
// opaquely: no accuracy guarantees, no parsing beyond the transport.
func (s *Session) FetchEPG(ctx context.Context, channelID string) (json.RawMessage, error) {
	body, err := s.authedGet(ctx, "get_epg", url.Values{
		"type":          {"itv"},
		"action":        {"get_epg"},
		"ch_id":         {channelID},
		"JsHttpRequest": {"1-xml"},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch epg: %w", err)
	}
	return body, nil
}

// extractStreamURL strips launcher prefixes ("ffmpeg http://...",
// "auto http://...") that portals prepend to created links.
func extractStreamURL(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return ""
	}
	fields := strings.Fields(cmd)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasPrefix(fields[i], "http://") || strings.HasPrefix(fields[i], "https://") {
			return fields[i]
		}
	}
	return ""
}

// authedGet performs an authenticated portal call. On the first 401/403 at
// Authenticated or later it re-handshakes and re-authenticates exactly once,
// then retries the call; a second rejection fails the whole session. There
// is deliberately no retry loop beyond that single recovery.
func (s *Session) authedGet(ctx context.Context, action string, params url.Values) ([]byte, error) {
	token, _ := s.Token()
	body, status, err := s.get(ctx, params, token)
	if err != nil {
		metrics.PortalRequests.WithLabelValues(action, "error").Inc()
		if ctx.Err() != nil {
			// Cancellation mid-sequence must not leave a half-updated
			// authenticated session behind.
			return nil, s.fail(ctx.Err())
		}
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		metrics.PortalRequests.WithLabelValues(action, "auth_rejected").Inc()
		metrics.PortalReauths.Inc()
		if err := s.reauth(ctx); err != nil {
			return nil, err
		}
		token, _ = s.Token()
		body, status, err = s.get(ctx, params, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, s.fail(fmt.Errorf("%w: HTTP %d after re-authentication", ErrAuthRejected, status))
		}
	}
	if status != http.StatusOK {
		metrics.PortalRequests.WithLabelValues(action, "bad_status").Inc()
		return nil, fmt.Errorf("portal %s: HTTP %d", action, status)
	}
	metrics.PortalRequests.WithLabelValues(action, "ok").Inc()
	return body, nil
}

// reauth re-runs handshake + authenticate preserving the caller-visible
// state on success.
func (s *Session) reauth(ctx context.Context) error {
	prev := s.State()
	s.setState(StateNew)
	if err := s.Handshake(ctx); err != nil {
		return err
	}
	if err := s.Authenticate(ctx); err != nil {
		return err
	}
	if prev == StateProfileFetched || prev == StateCatalogFetched {
		s.setState(prev)
	}
	return nil
}

// get performs one portal GET with the STB header signature. Every call
// carries the MAC header and cookie; portals reject anything else.
func (s *Session) get(ctx context.Context, params url.Values, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", stbUserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if s.cred.MAC != "" {
		req.Header.Set("MAC", s.cred.MAC)
		req.Header.Set("Cookie", fmt.Sprintf("mac=%s; stb_lang=en; timezone=%s", s.cred.MAC, s.timezone))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	release := httpclient.PortalHostSem.Acquire(s.endpoint)
	defer release()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
