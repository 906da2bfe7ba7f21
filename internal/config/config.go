// Package config loads engine settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds portal, transport, and serve-mode settings.
type Config struct {
	// Portal target
	PortalURL string // host or full URL; endpoint discovery probes from here
	MAC       string // normalized colon form, e.g. 00:1A:79:12:34:56
	Username  string
	Password  string
	Timezone  string

	// Playlist mode: a direct M3U URL or local path, bypassing discovery
	PlaylistSource string

	// Persistence
	CatalogPath string // JSON snapshot for favorites and offline listing
	SnapshotDB  string // optional sqlite snapshot history; "" = disabled

	// Transport
	RelayURL  string // optional self-hosted relay base
	SOCKSAddr string // optional socks5 host:port fallback
	StreamExt string // xtream playback extension: m3u8 or ts

	HTTPTimeout  time.Duration
	ProbeTimeout time.Duration

	// Serve mode
	ListenAddr  string
	RefreshSpec string // cron spec for periodic catalogue refresh

	// Logging
	LogFile      string // "" = stderr only
	LogMaxSizeMB int
	LogMaxBackup int
}

// LoadEnvFile loads KEY=value pairs from path into the environment without
// overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads config from MAGBRIDGE_* environment variables.
func Load() *Config {
	return &Config{
		PortalURL:      os.Getenv("MAGBRIDGE_PORTAL_URL"),
		MAC:            os.Getenv("MAGBRIDGE_MAC"),
		Username:       os.Getenv("MAGBRIDGE_USERNAME"),
		Password:       os.Getenv("MAGBRIDGE_PASSWORD"),
		Timezone:       getEnv("MAGBRIDGE_TIMEZONE", "Europe/London"),
		PlaylistSource: os.Getenv("MAGBRIDGE_PLAYLIST"),
		CatalogPath:    getEnv("MAGBRIDGE_CATALOG", "./catalog.json"),
		SnapshotDB:     os.Getenv("MAGBRIDGE_SNAPSHOT_DB"),
		RelayURL:       os.Getenv("MAGBRIDGE_RELAY_URL"),
		SOCKSAddr:      os.Getenv("MAGBRIDGE_SOCKS5"),
		StreamExt:      getEnv("MAGBRIDGE_STREAM_EXT", "m3u8"),
		HTTPTimeout:    getEnvDuration("MAGBRIDGE_HTTP_TIMEOUT", 15*time.Second),
		ProbeTimeout:   getEnvDuration("MAGBRIDGE_PROBE_TIMEOUT", 5*time.Second),
		ListenAddr:     getEnv("MAGBRIDGE_LISTEN", ":5004"),
		RefreshSpec:    getEnv("MAGBRIDGE_REFRESH_CRON", "@every 6h"),
		LogFile:        os.Getenv("MAGBRIDGE_LOG_FILE"),
		LogMaxSizeMB:   getEnvInt("MAGBRIDGE_LOG_MAX_SIZE_MB", 20),
		LogMaxBackup:   getEnvInt("MAGBRIDGE_LOG_MAX_BACKUPS", 3),
	}
}

// Validate checks that the loaded config is internally consistent. The MAC
// is normalized in place when present.
func (c *Config) Validate() error {
	if c.PortalURL == "" && c.PlaylistSource == "" {
		return fmt.Errorf("one of MAGBRIDGE_PORTAL_URL or MAGBRIDGE_PLAYLIST is required")
	}
	if c.PortalURL != "" {
		candidate := c.PortalURL
		if !strings.Contains(candidate, "://") {
			candidate = "http://" + candidate
		}
		u, err := url.Parse(candidate)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid portal URL %q", c.PortalURL)
		}
	}
	if c.MAC != "" {
		mac, err := NormalizeMAC(c.MAC)
		if err != nil {
			return err
		}
		c.MAC = mac
	}
	if c.StreamExt != "m3u8" && c.StreamExt != "ts" {
		return fmt.Errorf("MAGBRIDGE_STREAM_EXT must be m3u8 or ts, got %q", c.StreamExt)
	}
	return nil
}

var macSepRe = regexp.MustCompile(`[:\-\.]`)

// NormalizeMAC accepts colon, dash, dot, or bare 12-hex-digit MAC notation
// and returns the canonical uppercase colon form portals expect.
func NormalizeMAC(s string) (string, error) {
	hex := macSepRe.ReplaceAllString(strings.TrimSpace(s), "")
	if len(hex) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", s)
	}
	hex = strings.ToUpper(hex)
	for _, r := range hex {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("invalid MAC address %q", s)
		}
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
