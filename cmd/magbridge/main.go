// Command magbridge connects to legacy IPTV portals (Stalker/MAG, Xtream,
// plain channel-list APIs, or raw M3U playlists), builds a channel
// catalogue, and resolves playable stream URLs.
//
//	probe    Discover which API path convention a portal host answers
//	connect  Full acquisition: discover, authenticate, fetch channels, save catalogue
//	playlist Parse an M3U URL or file into the catalogue
//	resolve  Resolve one channel id to a playable stream URL
//	export   Write the saved catalogue back out as M3U
//	serve    HTTP server over the catalogue with scheduled refresh
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/magbridge/magbridge/internal/catalog"
	"github.com/magbridge/magbridge/internal/catalogdb"
	"github.com/magbridge/magbridge/internal/config"
	"github.com/magbridge/magbridge/internal/engine"
	"github.com/magbridge/magbridge/internal/health"
	"github.com/magbridge/magbridge/internal/httpclient"
	"github.com/magbridge/magbridge/internal/playlist"
	"github.com/magbridge/magbridge/internal/prober"
	"github.com/magbridge/magbridge/internal/server"
	"github.com/magbridge/magbridge/internal/streamcheck"
	"github.com/magbridge/magbridge/internal/transport"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[magbridge] ")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURL := probeCmd.String("url", "", "Portal host or URL (default: MAGBRIDGE_PORTAL_URL)")
	probeTimeout := probeCmd.Duration("timeout", 0, "Per-attempt timeout (default: MAGBRIDGE_PROBE_TIMEOUT)")

	connectCmd := flag.NewFlagSet("connect", flag.ExitOnError)
	connectURL := connectCmd.String("url", "", "Portal host or URL (default: MAGBRIDGE_PORTAL_URL)")
	connectCatalog := connectCmd.String("catalog", "", "Catalogue JSON path (default: MAGBRIDGE_CATALOG)")

	playlistCmd := flag.NewFlagSet("playlist", flag.ExitOnError)
	playlistSrc := playlistCmd.String("src", "", "M3U URL or file path (default: MAGBRIDGE_PLAYLIST)")
	playlistCatalog := playlistCmd.String("catalog", "", "Catalogue JSON path (default: MAGBRIDGE_CATALOG)")

	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolveURL := resolveCmd.String("url", "", "Portal host or URL (default: MAGBRIDGE_PORTAL_URL)")
	resolveID := resolveCmd.String("id", "", "Channel id to resolve")
	resolveCheck := resolveCmd.Bool("check", false, "Validate the resolved URL's HLS manifest")

	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	exportCatalog := exportCmd.String("catalog", "", "Catalogue JSON path (default: MAGBRIDGE_CATALOG)")
	exportOut := exportCmd.String("out", "playlist.m3u", "Output M3U path (- for stdout)")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: MAGBRIDGE_LISTEN)")
	serveOffline := serveCmd.Bool("offline", false, "Serve the last snapshot without connecting")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <probe|connect|playlist|resolve|export|serve> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  probe    Discover which API path convention a portal host answers\n")
		fmt.Fprintf(os.Stderr, "  connect  Discover, authenticate, fetch channels, save catalogue\n")
		fmt.Fprintf(os.Stderr, "  playlist Parse an M3U URL or file into the catalogue\n")
		fmt.Fprintf(os.Stderr, "  resolve  Resolve one channel id to a playable stream URL\n")
		fmt.Fprintf(os.Stderr, "  export   Write the saved catalogue back out as M3U\n")
		fmt.Fprintf(os.Stderr, "  serve    HTTP server over the catalogue with scheduled refresh\n")
		os.Exit(1)
	}

	cfg := config.Load()
	setupLogging(cfg)

	switch os.Args[1] {
	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		target := orDefault(*probeURL, cfg.PortalURL)
		p := prober.New(httpclient.Default())
		if *probeTimeout > 0 {
			p.Timeout = *probeTimeout
		} else if cfg.ProbeTimeout > 0 {
			p.Timeout = cfg.ProbeTimeout
		}
		ctx, cancel := signalContext()
		defer cancel()
		res, err := p.Probe(ctx, target)
		if err != nil {
			log.Printf("Probe failed: %v", err)
			os.Exit(1)
		}
		fmt.Printf("endpoint: %s\nconvention: %s (%s)\nlatency: %s\n",
			res.Endpoint, res.Convention.Tag, res.Convention.Kind, res.Latency.Round(time.Millisecond))

	case "connect":
		_ = connectCmd.Parse(os.Args[2:])
		cfg.PortalURL = orDefault(*connectURL, cfg.PortalURL)
		if err := cfg.Validate(); err != nil {
			log.Printf("Config: %v", err)
			os.Exit(1)
		}
		e, cleanup := buildEngine(cfg)
		defer cleanup()
		ctx, cancel := signalContext()
		defer cancel()
		if err := e.Connect(ctx, targetFromConfig(cfg)); err != nil {
			log.Printf("Connect failed: %v", err)
			os.Exit(1)
		}
		path := orDefault(*connectCatalog, cfg.CatalogPath)
		if err := e.Catalog.Save(path); err != nil {
			log.Printf("Save catalogue failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Saved %d channels in %d groups to %s", e.Catalog.Len(), len(e.Catalog.Groups()), path)

	case "playlist":
		_ = playlistCmd.Parse(os.Args[2:])
		src := orDefault(*playlistSrc, cfg.PlaylistSource)
		if src == "" {
			log.Print("playlist: -src or MAGBRIDGE_PLAYLIST required")
			os.Exit(1)
		}
		cfg.PlaylistSource = src
		cfg.PortalURL = ""
		e, cleanup := buildEngine(cfg)
		defer cleanup()
		ctx, cancel := signalContext()
		defer cancel()
		if err := e.Connect(ctx, engine.Target{PlaylistSource: src}); err != nil {
			log.Printf("Playlist parse failed: %v", err)
			os.Exit(1)
		}
		path := orDefault(*playlistCatalog, cfg.CatalogPath)
		if err := e.Catalog.Save(path); err != nil {
			log.Printf("Save catalogue failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Saved %d channels from %s to %s", e.Catalog.Len(), src, path)

	case "resolve":
		_ = resolveCmd.Parse(os.Args[2:])
		if *resolveID == "" {
			log.Print("resolve: -id required")
			os.Exit(1)
		}
		cfg.PortalURL = orDefault(*resolveURL, cfg.PortalURL)
		if err := cfg.Validate(); err != nil {
			log.Printf("Config: %v", err)
			os.Exit(1)
		}
		e, cleanup := buildEngine(cfg)
		defer cleanup()
		ctx, cancel := signalContext()
		defer cancel()
		if err := e.Connect(ctx, targetFromConfig(cfg)); err != nil {
			log.Printf("Connect failed: %v", err)
			os.Exit(1)
		}
		url, err := e.ResolveStreamURL(ctx, *resolveID)
		if err != nil {
			log.Printf("Resolve failed: %v", err)
			os.Exit(1)
		}
		if *resolveCheck {
			checker := streamcheck.New(httpclient.Default())
			if kind, err := checker.Classify(ctx, url); err == nil && kind == streamcheck.TypeHLS {
				if err := checker.CheckHLS(ctx, url); err != nil {
					log.Printf("Warning: manifest check failed: %v", err)
				}
			}
		}
		fmt.Println(url)

	case "export":
		_ = exportCmd.Parse(os.Args[2:])
		path := orDefault(*exportCatalog, cfg.CatalogPath)
		c := catalog.New()
		if err := c.Load(path); err != nil {
			log.Printf("Load catalogue failed: %v", err)
			os.Exit(1)
		}
		text := playlist.Serialize(c.Channels())
		if *exportOut == "-" {
			io.WriteString(os.Stdout, text)
		} else if err := os.WriteFile(*exportOut, []byte(text), 0600); err != nil {
			log.Printf("Write %s failed: %v", *exportOut, err)
			os.Exit(1)
		}
		log.Printf("Exported %d channels to %s", c.Len(), *exportOut)

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if err := cfg.Validate(); err != nil {
			log.Printf("Config: %v", err)
			os.Exit(1)
		}
		e, cleanup := buildEngine(cfg)
		defer cleanup()
		ctx, cancel := signalContext()
		defer cancel()

		if *serveOffline {
			if err := e.LoadSnapshot(); err != nil {
				log.Printf("Offline start failed: %v", err)
				os.Exit(1)
			}
		} else if err := e.Connect(ctx, targetFromConfig(cfg)); err != nil {
			log.Printf("Connect failed: %v", err)
			// fall back to the last snapshot so the server still lists
			// channels while the portal is down
			if snapErr := e.LoadSnapshot(); snapErr != nil {
				os.Exit(1)
			}
			log.Print("Serving last snapshot; refresh will retry on schedule")
		}

		addr := orDefault(*serveAddr, cfg.ListenAddr)
		srv := server.New(e, addr, cfg.RefreshSpec)
		go func() {
			// readiness self-check once the listener is up
			time.Sleep(time.Second)
			if err := health.CheckServe(ctx, "http://localhost"+addr); err != nil {
				log.Printf("Health check: %v", err)
			}
		}()
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server: %v", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

// setupLogging mirrors log output to a size-rotated file when configured.
func setupLogging(cfg *config.Config) {
	if cfg.LogFile == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackup,
		Compress:   true,
	}))
}

// buildEngine wires the transport chain and optional snapshot store.
func buildEngine(cfg *config.Config) (*engine.Engine, func()) {
	client := httpclient.WithTimeout(cfg.HTTPTimeout)
	resolver := transport.NewResolver(client, cfg.RelayURL)
	resolver.SOCKSAddr = cfg.SOCKSAddr

	var snapshots *catalogdb.Store
	cleanup := func() {}
	if cfg.SnapshotDB != "" {
		s, err := catalogdb.Open(cfg.SnapshotDB)
		if err != nil {
			log.Printf("Snapshot store disabled: %v", err)
		} else {
			snapshots = s
			cleanup = func() { s.Close() }
		}
	}

	e := engine.New(client, resolver, snapshots)
	if cfg.ProbeTimeout > 0 {
		e.Prober.Timeout = cfg.ProbeTimeout
	}
	return e, cleanup
}

func targetFromConfig(cfg *config.Config) engine.Target {
	return engine.Target{
		PortalURL:      cfg.PortalURL,
		MAC:            cfg.MAC,
		Username:       cfg.Username,
		Password:       cfg.Password,
		PlaylistSource: cfg.PlaylistSource,
		StreamExt:      cfg.StreamExt,
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
