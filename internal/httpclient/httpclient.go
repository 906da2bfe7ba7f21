// Package httpclient provides the shared tuned HTTP client used by the
// prober, portal session, Xtream client, and transport resolver, plus
// response-body decompression for portals that answer gzip or brotli.
package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 4
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout sharing Default's
// transport settings.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// ReadBody drains and closes resp.Body, transparently decompressing gzip and
// brotli bodies. Legacy portals compress channel lists when asked; some
// public CORS proxies re-encode with brotli regardless of Accept-Encoding.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var r io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(r)
}
