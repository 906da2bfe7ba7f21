// Package prober discovers which API path convention a user-supplied portal
// host actually answers. The candidate list is fixed and ordered
// most-common-first; probes run sequentially with early exit so unfamiliar
// servers never see concurrent connections from discovery.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/metrics"
)

// ErrNoReachableEndpoint means every known path convention timed out,
// errored, or answered with a non-success status.
var ErrNoReachableEndpoint = errors.New("no reachable endpoint")

// Kind tells the engine which acquisition flow the discovered endpoint speaks.
type Kind string

const (
	KindStalker Kind = "stalker" // handshake/token portal API
	KindXtream  Kind = "xtream"  // player_api.php credential API
	KindREST    Kind = "rest"    // plain channel-list endpoint
)

// Convention is one known API path convention.
type Convention struct {
	Tag  string
	Path string
	Kind Kind
}

// Conventions is the fixed probe order. Do not reorder: it is tuned
// most-common-first to minimize average discovery latency, and tests pin it.
var Conventions = []Convention{
	{Tag: "portal", Path: "/portal.php", Kind: KindStalker},
	{Tag: "load", Path: "/server/load.php", Kind: KindStalker},
	{Tag: "stalker-load", Path: "/stalker_portal/server/load.php", Kind: KindStalker},
	{Tag: "c", Path: "/c/", Kind: KindStalker},
	{Tag: "player-api", Path: "/player_api.php", Kind: KindXtream},
	{Tag: "api", Path: "/api.php", Kind: KindREST},
	{Tag: "stalker-portal", Path: "/stalker_portal.php", Kind: KindStalker},
}

// Result is a successful probe: the convention that answered and the full
// endpoint URL to use for subsequent calls.
type Result struct {
	Convention Convention
	BaseURL    string // normalized host base, no trailing slash
	Endpoint   string // BaseURL + Convention.Path
	StatusCode int
	Latency    time.Duration
}

// Prober probes a base URL against the fixed convention list.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration // per-attempt; default 5s
	// Limiter paces successive probe attempts. Default: 2 per second.
	Limiter *rate.Limiter
}

// New returns a Prober with default pacing and timeout.
func New(client *http.Client) *Prober {
	return &Prober{
		Client:  client,
		Timeout: 5 * time.Second,
		Limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
}

// NormalizeBase prepends http:// when the scheme is missing and strips any
// trailing slash, mirroring what users paste from portal provider mails.
func NormalizeBase(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" && !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return strings.TrimSuffix(baseURL, "/")
}

// Probe tries each convention in order and returns the first that answers
// with an HTTP success status. A timeout or error on one attempt is recorded
// and skipped, never retried within the same call.
func (p *Prober) Probe(ctx context.Context, baseURL string) (Result, error) {
	base := NormalizeBase(baseURL)
	if base == "" {
		return Result{}, fmt.Errorf("%w: empty base URL", ErrNoReachableEndpoint)
	}

	client := p.Client
	if client == nil {
		client = httpclient.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var attempts []string
	for _, conv := range Conventions {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return Result{}, err
			}
		}
		res, err := p.probeOne(ctx, client, base, conv, timeout)
		if err != nil {
			metrics.ProbeAttempts.WithLabelValues(conv.Tag, "error").Inc()
			attempts = append(attempts, fmt.Sprintf("%s: %v", conv.Path, err))
			continue
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			metrics.ProbeAttempts.WithLabelValues(conv.Tag, "ok").Inc()
			return res, nil
		}
		metrics.ProbeAttempts.WithLabelValues(conv.Tag, "bad_status").Inc()
		attempts = append(attempts, fmt.Sprintf("%s: HTTP %d", conv.Path, res.StatusCode))
	}
	return Result{}, fmt.Errorf("%w for %s (%s)", ErrNoReachableEndpoint, base, strings.Join(attempts, "; "))
}

func (p *Prober) probeOne(ctx context.Context, client *http.Client, base string, conv Convention, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := base + conv.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (QtEmbedded; U; Linux; C)")

	release := httpclient.PortalHostSem.Acquire(base)
	defer release()

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{}, err
	}
	resp.Body.Close()
	return Result{
		Convention: conv,
		BaseURL:    base,
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}
