// Package server exposes the resolved catalogue over HTTP: channel and
// group listings, an M3U export, 302 redirects to resolved stream URLs,
// and a cron-driven background refresh.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/magbridge/magbridge/internal/engine"
	"github.com/magbridge/magbridge/internal/playlist"
)

// Server serves the catalogue from an engine.
type Server struct {
	Engine      *engine.Engine
	Addr        string
	RefreshSpec string // cron spec; "" disables background refresh
}

// New returns a Server for the given engine.
func New(e *engine.Engine, addr, refreshSpec string) *Server {
	return &Server{Engine: e, Addr: addr, RefreshSpec: refreshSpec}
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /groups", s.handleGroups)
	mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	mux.HandleFunc("GET /epg/{id}", s.handleEPG)
	mux.HandleFunc("POST /channels/{id}/favorite", s.handleFavorite)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is canceled, with the background refresh schedule
// active when configured.
func (s *Server) Run(ctx context.Context) error {
	var c *cron.Cron
	if s.RefreshSpec != "" {
		c = cron.New()
		if _, err := c.AddFunc(s.RefreshSpec, func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := s.Engine.RefreshCatalog(refreshCtx); err != nil {
				if errors.Is(err, engine.ErrRefreshInFlight) {
					return
				}
				log.Printf("server: scheduled refresh failed: %v", err)
			}
		}); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("server: listening on %s", s.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"channels": s.Engine.Catalog.Len(),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if group := r.URL.Query().Get("group"); group != "" {
		writeJSON(w, s.Engine.Catalog.GroupChannels(group))
		return
	}
	writeJSON(w, s.Engine.Catalog.Channels())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Engine.Catalog.Groups())
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Write([]byte(playlist.Serialize(s.Engine.Catalog.Channels())))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	url, err := s.Engine.ResolveStreamURL(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrChannelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleEPG(w http.ResponseWriter, r *http.Request) {
	raw, err := s.Engine.EPG(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fav := r.URL.Query().Get("remove") == ""
	if !s.Engine.Catalog.SetFavorite(id, fav) {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"id": id, "favorite": fav})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.RefreshCatalog(r.Context()); err != nil {
		if errors.Is(err, engine.ErrRefreshInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"channels": s.Engine.Catalog.Len()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
