// Package metrics exposes Prometheus instrumentation for the resolution
// engine. Counters are registered on the default registry; the serve mode
// mounts them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeAttempts counts endpoint probe attempts by path convention and outcome.
	ProbeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magbridge",
		Subsystem: "prober",
		Name:      "attempts_total",
		Help:      "Endpoint probe attempts by path convention and outcome.",
	}, []string{"convention", "outcome"})

	// PortalReauths counts single-shot re-handshake attempts after an auth rejection.
	PortalReauths = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "magbridge",
		Subsystem: "portal",
		Name:      "reauths_total",
		Help:      "Re-handshake attempts triggered by 401/403/invalid-token responses.",
	})

	// PortalRequests counts portal API calls by action and outcome.
	PortalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magbridge",
		Subsystem: "portal",
		Name:      "requests_total",
		Help:      "Portal API requests by action and outcome.",
	}, []string{"action", "outcome"})

	// TransportResolutions counts transport resolutions by via kind and outcome.
	TransportResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "magbridge",
		Subsystem: "transport",
		Name:      "resolutions_total",
		Help:      "Transport resolutions by via kind (direct, relay, proxy, socks) and outcome.",
	}, []string{"via", "outcome"})

	// ResolveLatency observes end-to-end stream URL resolution latency.
	ResolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "magbridge",
		Subsystem: "transport",
		Name:      "resolve_seconds",
		Help:      "End-to-end stream URL resolution latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// CatalogueSize tracks the number of channels in the current catalogue.
	CatalogueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "magbridge",
		Subsystem: "catalog",
		Name:      "channels",
		Help:      "Number of channels in the current catalogue.",
	})
)
