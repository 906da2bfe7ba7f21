// Package engine orchestrates the full acquisition flow: discover the
// endpoint, run the matching acquisition protocol, populate the catalogue,
// and resolve per-channel stream URLs through the transport chain.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/magbridge/magbridge/internal/catalog"
	"github.com/magbridge/magbridge/internal/catalogdb"
	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/metrics"
	"github.com/magbridge/magbridge/internal/normalize"
	"github.com/magbridge/magbridge/internal/playlist"
	"github.com/magbridge/magbridge/internal/portal"
	"github.com/magbridge/magbridge/internal/prober"
	"github.com/magbridge/magbridge/internal/transport"
	"github.com/magbridge/magbridge/internal/xtream"
)

var (
	// ErrRefreshInFlight means a catalogue refresh is already running;
	// concurrent callers get this instead of queueing.
	ErrRefreshInFlight = errors.New("catalogue refresh already in flight")
	// ErrNotConnected means Connect has not completed successfully.
	ErrNotConnected = errors.New("engine not connected")
	// ErrChannelNotFound means the requested channel id is not in the
	// catalogue.
	ErrChannelNotFound = errors.New("channel not found")
)

// Target describes what to connect to.
type Target struct {
	PortalURL string
	MAC       string
	Username  string
	Password  string
	// PlaylistSource is an M3U URL or local file path; when set, endpoint
	// discovery is skipped entirely.
	PlaylistSource string
	StreamExt      string
}

// mode is the acquisition flow selected by discovery.
type mode string

const (
	modeNone     mode = ""
	modeStalker  mode = "stalker"
	modeXtream   mode = "xtream"
	modeREST     mode = "rest"
	modePlaylist mode = "playlist"
)

// Engine ties discovery, acquisition, catalogue, and transport together.
type Engine struct {
	Prober    *prober.Prober
	Transport *transport.Resolver
	Catalog   *catalog.Catalogue
	Snapshots *catalogdb.Store // optional
	Client    *http.Client

	refreshing atomic.Bool

	mu       sync.Mutex
	mode     mode
	target   Target
	endpoint prober.Result
	session  *portal.Session
	panel    *xtream.Client
}

// New returns an Engine with an empty catalogue. resolver and snapshots
// may be nil.
func New(client *http.Client, resolver *transport.Resolver, snapshots *catalogdb.Store) *Engine {
	if client == nil {
		client = httpclient.Default()
	}
	if resolver == nil {
		resolver = transport.NewResolver(client, "")
	}
	return &Engine{
		Prober:    prober.New(client),
		Transport: resolver,
		Catalog:   catalog.New(),
		Snapshots: snapshots,
		Client:    client,
	}
}

// Connect discovers the endpoint for target, runs the matching acquisition
// flow, and fills the catalogue.
func (e *Engine) Connect(ctx context.Context, target Target) error {
	e.mu.Lock()
	e.target = target
	e.mu.Unlock()

	if target.PlaylistSource != "" {
		e.setMode(modePlaylist)
		return e.RefreshCatalog(ctx)
	}

	res, err := e.Prober.Probe(ctx, target.PortalURL)
	if err != nil {
		return err
	}
	log.Printf("engine: endpoint %s answers as %s", res.Endpoint, res.Convention.Kind)

	e.mu.Lock()
	e.endpoint = res
	switch res.Convention.Kind {
	case prober.KindStalker:
		e.mode = modeStalker
	case prober.KindXtream:
		e.mode = modeXtream
	default:
		e.mode = modeREST
	}
	e.mu.Unlock()

	return e.RefreshCatalog(ctx)
}

func (e *Engine) setMode(m mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// RefreshCatalog re-runs the acquisition flow for the connected target and
// replaces the catalogue, preserving favorites. Only one refresh runs at a
// time; concurrent calls fail fast with ErrRefreshInFlight.
func (e *Engine) RefreshCatalog(ctx context.Context) error {
	if !e.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInFlight
	}
	defer e.refreshing.Store(false)

	e.mu.Lock()
	m, target, endpoint := e.mode, e.target, e.endpoint
	e.mu.Unlock()

	var channels []catalog.Channel
	var err error
	switch m {
	case modeStalker:
		channels, err = e.refreshStalker(ctx, target, endpoint)
	case modeXtream:
		channels, err = e.refreshXtream(ctx, target, endpoint)
	case modeREST:
		channels, err = e.refreshREST(ctx, endpoint)
	case modePlaylist:
		channels, err = e.refreshPlaylist(ctx, target.PlaylistSource)
	default:
		return ErrNotConnected
	}
	if err != nil {
		return err
	}

	e.Catalog.Replace(channels)
	metrics.CatalogueSize.Set(float64(e.Catalog.Len()))
	log.Printf("engine: catalogue refreshed, %d channels in %d groups", e.Catalog.Len(), len(e.Catalog.Groups()))

	if e.Snapshots != nil {
		if err := e.Snapshots.Save(e.sourceLabel(), e.Catalog.Channels()); err != nil {
			log.Printf("engine: snapshot save failed: %v", err)
		}
	}
	return nil
}

func (e *Engine) refreshStalker(ctx context.Context, target Target, endpoint prober.Result) ([]catalog.Channel, error) {
	s := portal.NewSession(endpoint.Endpoint, portal.Credential{
		MAC:      target.MAC,
		Username: target.Username,
		Password: target.Password,
	}, e.Client)
	if err := s.Handshake(ctx); err != nil {
		return nil, err
	}
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	s.FetchProfile(ctx)
	channels, err := s.FetchChannels(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	return channels, nil
}

func (e *Engine) refreshXtream(ctx context.Context, target Target, endpoint prober.Result) ([]catalog.Channel, error) {
	c := xtream.New(endpoint.BaseURL, target.Username, target.Password, e.Client)
	if target.StreamExt != "" {
		c.StreamExt = target.StreamExt
	}
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	channels, err := c.FetchChannels(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.panel = c
	e.mu.Unlock()
	return channels, nil
}

func (e *Engine) refreshREST(ctx context.Context, endpoint prober.Result) ([]catalog.Channel, error) {
	body, _, err := e.Transport.Fetch(ctx, endpoint.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch channel list: %w", err)
	}
	return normalize.Channels(body)
}

func (e *Engine) refreshPlaylist(ctx context.Context, source string) ([]catalog.Channel, error) {
	var text []byte
	if strings.Contains(source, "://") {
		body, _, err := e.Transport.Fetch(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("fetch playlist: %w", err)
		}
		text = body
	} else {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read playlist: %w", err)
		}
		text = data
	}
	return playlist.Parse(string(text))
}

// ResolveStreamURL turns a catalogue channel id into a playable URL:
// command refs go through the portal's create_link, direct refs are used
// as-is, and the result is routed through the transport chain.
func (e *Engine) ResolveStreamURL(ctx context.Context, channelID string) (string, error) {
	ch, ok := e.Catalog.Get(channelID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrChannelNotFound, channelID)
	}

	var raw string
	switch ch.Stream.Kind {
	case catalog.StreamCommand:
		e.mu.Lock()
		s, panel := e.session, e.panel
		e.mu.Unlock()
		switch {
		case s != nil:
			link, err := s.ResolveStreamLink(ctx, ch.Stream.Value)
			if err != nil {
				return "", err
			}
			raw = link
		case panel != nil:
			// a bare stream id from a panel that answered in portal shape
			raw = panel.StreamURL(ch.Stream.Value)
		default:
			return "", ErrNotConnected
		}
	default:
		raw = ch.Stream.Value
	}

	res, err := e.Transport.Resolve(ctx, raw)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}

// EPG returns the portal's raw EPG envelope for a channel. Only available
// in the Stalker flow; other modes have no EPG surface.
func (e *Engine) EPG(ctx context.Context, channelID string) (json.RawMessage, error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("%w: no portal session", ErrNotConnected)
	}
	return s.FetchEPG(ctx, channelID)
}

// LoadSnapshot fills the catalogue from the most recent stored snapshot,
// for offline listing when the portal is unreachable.
func (e *Engine) LoadSnapshot() error {
	if e.Snapshots == nil {
		return errors.New("snapshot store not configured")
	}
	channels, ts, err := e.Snapshots.Latest(e.sourceLabel())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	e.Catalog.Replace(channels)
	metrics.CatalogueSize.Set(float64(e.Catalog.Len()))
	log.Printf("engine: loaded snapshot from %s, %d channels", ts.Format("2006-01-02 15:04"), e.Catalog.Len())
	return nil
}

func (e *Engine) sourceLabel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == modePlaylist {
		return e.target.PlaylistSource
	}
	if e.endpoint.Endpoint != "" {
		return e.endpoint.Endpoint
	}
	return e.target.PortalURL
}
