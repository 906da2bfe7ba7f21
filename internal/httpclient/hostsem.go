package httpclient

import (
	"net/url"
	"sync"
)

// HostSemaphore is a process-global per-host concurrency limiter. Legacy STB
// middleware often runs on small boxes that mishandle concurrent connections,
// so every component that talks to a portal host acquires a slot first.
//
//	release := httpclient.PortalHostSem.Acquire(base)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// PortalHostSem serializes requests per portal host: one connection at a
// time, matching the engine's sequential-probe policy.
var PortalHostSem = NewHostSemaphore(1)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is available for host and returns a release
// func. host may be any URL; only scheme+host are used as the key.
func (h *HostSemaphore) Acquire(host string) func() {
	sem := h.semFor(host)
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	h.mu.Unlock()
	return s
}
