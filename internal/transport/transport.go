// Package transport decides how to reach a portal or stream URL: directly
// when the origin answers, otherwise through an ordered fallback chain of
// relay, public CORS-style proxies, and an optional SOCKS5 egress. The
// chain order is fixed; a candidate that fails within one resolution is
// blacklisted for the rest of that call and never retried.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/net/proxy"

	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/metrics"
)

// ErrTransportExhausted means direct access and every fallback failed.
var ErrTransportExhausted = errors.New("all transports exhausted")

// Via names the transport that won a resolution.
type Via string

const (
	ViaDirect Via = "direct"
	ViaRelay  Via = "relay"
	ViaProxy  Via = "proxy"
	ViaSOCKS  Via = "socks"
)

// ProxyTemplate is one public pass-through proxy convention.
type ProxyTemplate struct {
	Name string
	// Wrap returns the proxied URL for a target.
	Wrap func(target string) string
	// Envelope names the JSON field holding the payload when the proxy
	// wraps responses; empty means the body passes through verbatim.
	// Enveloped proxies can fetch API responses but cannot carry streams.
	Envelope string
}

// DefaultProxies is the fixed fallback order. First entries are the most
// reliable pass-through proxies; the enveloped one comes last because it is
// fetch-only.
var DefaultProxies = []ProxyTemplate{
	{
		Name: "codetabs",
		Wrap: func(t string) string { return "https://api.codetabs.com/v1/proxy?quest=" + url.QueryEscape(t) },
	},
	{
		Name: "corsproxy",
		Wrap: func(t string) string { return "https://corsproxy.io/?url=" + url.QueryEscape(t) },
	},
	{
		Name:     "allorigins",
		Wrap:     func(t string) string { return "https://api.allorigins.win/get?url=" + url.QueryEscape(t) },
		Envelope: "contents",
	},
}

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	URL      string // the URL to use (already wrapped when Via != direct)
	Via      Via
	ProxyVia string // template or relay name when proxied
	// Status is the HTTP status the direct probe observed. A non-2xx value
	// means the origin is reachable but rejected the probe; the direct URL
	// is still returned so the player can negotiate with its own headers.
	Status int
}

// Resolver probes targets and picks a transport. Safe for concurrent use.
type Resolver struct {
	Client *http.Client
	// RelayBase, when set, is a self-hosted relay tried before public
	// proxies; targets are passed as {RelayBase}/proxy?target=<url>.
	RelayBase string
	Proxies   []ProxyTemplate
	// SOCKSAddr, when set, is a socks5 host:port used as the final
	// fallback for origins that block HTTP-level proxies.
	SOCKSAddr string
	Timeout   time.Duration

	// memo remembers the last transport that worked per target host so a
	// session does not re-walk the chain on every channel switch.
	memo *gocache.Cache
}

const memoTTL = 10 * time.Minute

// NewResolver returns a Resolver with the default proxy chain.
func NewResolver(client *http.Client, relayBase string) *Resolver {
	if client == nil {
		client = httpclient.Default()
	}
	return &Resolver{
		Client:    client,
		RelayBase: strings.TrimSuffix(relayBase, "/"),
		Proxies:   DefaultProxies,
		Timeout:   8 * time.Second,
		memo:      gocache.New(memoTTL, 2*memoTTL),
	}
}

// Resolve finds a working transport for target, consulting the per-host
// memo first so repeated resolutions against the same portal stay cheap.
func (r *Resolver) Resolve(ctx context.Context, target string) (Resolved, error) {
	return r.resolve(ctx, target, true)
}

// ResolveFresh ignores and refreshes the memo: used after a previously
// resolved URL stopped playing.
func (r *Resolver) ResolveFresh(ctx context.Context, target string) (Resolved, error) {
	if host := hostOf(target); host != "" {
		r.memo.Delete(host)
	}
	return r.resolve(ctx, target, false)
}

func (r *Resolver) resolve(ctx context.Context, target string, useMemo bool) (Resolved, error) {
	start := time.Now()
	defer func() { metrics.ResolveLatency.Observe(time.Since(start).Seconds()) }()

	blacklist := map[string]bool{}

	if useMemo {
		if v, ok := r.memo.Get(hostOf(target)); ok {
			if res, err := r.tryMemoized(ctx, target, v.(string)); err == nil {
				return res, nil
			}
			// the remembered transport went stale: skip it in the walk
			blacklist[v.(string)] = true
		}
	}

	var attempts []string

	// Direct first. A 4xx/5xx answer still proves the origin is reachable;
	// proxying cannot fix an origin that answers and refuses, and stream
	// servers often gate probes on player headers, so the direct URL is
	// returned either way with the observed status.
	if status, err := r.probe(ctx, r.Client, target); err == nil {
		metrics.TransportResolutions.WithLabelValues(string(ViaDirect), "ok").Inc()
		r.remember(target, string(ViaDirect))
		return Resolved{URL: target, Via: ViaDirect, Status: status}, nil
	} else if status != 0 {
		metrics.TransportResolutions.WithLabelValues(string(ViaDirect), "rejected").Inc()
		r.remember(target, string(ViaDirect))
		return Resolved{URL: target, Via: ViaDirect, Status: status}, nil
	} else {
		metrics.TransportResolutions.WithLabelValues(string(ViaDirect), "unreachable").Inc()
		attempts = append(attempts, fmt.Sprintf("direct: %v", err))
	}

	if r.RelayBase != "" && !blacklist["relay"] {
		wrapped := r.RelayBase + "/proxy?target=" + url.QueryEscape(target)
		if _, err := r.probe(ctx, r.Client, wrapped); err == nil {
			metrics.TransportResolutions.WithLabelValues(string(ViaRelay), "ok").Inc()
			r.remember(target, "relay")
			return Resolved{URL: wrapped, Via: ViaRelay, ProxyVia: "relay"}, nil
		} else {
			attempts = append(attempts, fmt.Sprintf("relay: %v", err))
		}
	}

	for _, tmpl := range r.Proxies {
		if blacklist[tmpl.Name] || tmpl.Envelope != "" {
			continue
		}
		wrapped := tmpl.Wrap(target)
		if _, err := r.probe(ctx, r.Client, wrapped); err == nil {
			metrics.TransportResolutions.WithLabelValues(string(ViaProxy), "ok").Inc()
			r.remember(target, tmpl.Name)
			return Resolved{URL: wrapped, Via: ViaProxy, ProxyVia: tmpl.Name}, nil
		} else {
			attempts = append(attempts, fmt.Sprintf("%s: %v", tmpl.Name, err))
		}
	}

	if r.SOCKSAddr != "" && !blacklist["socks"] {
		if client, err := r.socksClient(); err == nil {
			if _, err := r.probe(ctx, client, target); err == nil {
				metrics.TransportResolutions.WithLabelValues(string(ViaSOCKS), "ok").Inc()
				r.remember(target, "socks")
				return Resolved{URL: target, Via: ViaSOCKS, ProxyVia: r.SOCKSAddr}, nil
			} else {
				attempts = append(attempts, fmt.Sprintf("socks %s: %v", r.SOCKSAddr, err))
			}
		} else {
			attempts = append(attempts, fmt.Sprintf("socks %s: %v", r.SOCKSAddr, err))
		}
	}

	metrics.TransportResolutions.WithLabelValues("none", "exhausted").Inc()
	return Resolved{}, fmt.Errorf("%w for %s (%s)", ErrTransportExhausted, target, strings.Join(attempts, "; "))
}

// Fetch retrieves target's body through the resolved transport, unwrapping
// enveloped proxies. Unlike Resolve it may use fetch-only proxies, so it is
// the right entry point for API calls when the portal host blocks us.
func (r *Resolver) Fetch(ctx context.Context, target string) ([]byte, Resolved, error) {
	if res, err := r.resolve(ctx, target, true); err == nil && res.Via != ViaSOCKS {
		body, ferr := r.fetchURL(ctx, r.Client, res.URL)
		if ferr == nil {
			return body, res, nil
		}
	} else if err == nil && res.Via == ViaSOCKS {
		client, cerr := r.socksClient()
		if cerr == nil {
			if body, ferr := r.fetchURL(ctx, client, target); ferr == nil {
				return body, res, nil
			}
		}
	}

	// last resort: enveloped proxies, fetch-only
	for _, tmpl := range r.Proxies {
		if tmpl.Envelope == "" {
			continue
		}
		body, err := r.fetchURL(ctx, r.Client, tmpl.Wrap(target))
		if err != nil {
			continue
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			continue
		}
		raw, ok := envelope[tmpl.Envelope]
		if !ok {
			continue
		}
		var payload string
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		metrics.TransportResolutions.WithLabelValues(string(ViaProxy), "ok").Inc()
		return []byte(payload), Resolved{URL: target, Via: ViaProxy, ProxyVia: tmpl.Name}, nil
	}
	return nil, Resolved{}, fmt.Errorf("%w for %s", ErrTransportExhausted, target)
}

// tryMemoized re-validates the transport remembered for target's host.
func (r *Resolver) tryMemoized(ctx context.Context, target, via string) (Resolved, error) {
	switch via {
	case string(ViaDirect):
		status, err := r.probe(ctx, r.Client, target)
		if err != nil && status == 0 {
			// the origin stopped answering entirely
			return Resolved{}, err
		}
		return Resolved{URL: target, Via: ViaDirect, Status: status}, nil
	case "relay":
		wrapped := r.RelayBase + "/proxy?target=" + url.QueryEscape(target)
		if _, err := r.probe(ctx, r.Client, wrapped); err != nil {
			return Resolved{}, err
		}
		return Resolved{URL: wrapped, Via: ViaRelay, ProxyVia: "relay"}, nil
	case "socks":
		client, err := r.socksClient()
		if err != nil {
			return Resolved{}, err
		}
		if _, err := r.probe(ctx, client, target); err != nil {
			return Resolved{}, err
		}
		return Resolved{URL: target, Via: ViaSOCKS, ProxyVia: r.SOCKSAddr}, nil
	default:
		for _, tmpl := range r.Proxies {
			if tmpl.Name != via {
				continue
			}
			wrapped := tmpl.Wrap(target)
			if _, err := r.probe(ctx, r.Client, wrapped); err != nil {
				return Resolved{}, err
			}
			return Resolved{URL: wrapped, Via: ViaProxy, ProxyVia: tmpl.Name}, nil
		}
		return Resolved{}, fmt.Errorf("unknown memoized transport %q", via)
	}
}

func (r *Resolver) remember(target, via string) {
	if host := hostOf(target); host != "" {
		r.memo.Set(host, via, memoTTL)
	}
}

// probe checks reachability with HEAD, falling back to a one-byte ranged GET
// for servers that reject HEAD. Returns (0, err) on network failure and
// (status, err) when the server answered with an error status.
func (r *Resolver) probe(ctx context.Context, client *http.Client, target string) (int, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	status := resp.StatusCode

	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Range", "bytes=0-0")
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		status = resp.StatusCode
	}

	if status >= 200 && status < 400 {
		return status, nil
	}
	return status, fmt.Errorf("HTTP %d", status)
}

func (r *Resolver) fetchURL(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, nil
}

// socksClient builds an HTTP client that dials through the configured
// SOCKS5 egress.
func (r *Resolver) socksClient() (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", r.SOCKSAddr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return &http.Client{
		Timeout:   r.Timeout,
		Transport: &http.Transport{DialContext: ctxDialer.DialContext},
	}, nil
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return u.Host
}
