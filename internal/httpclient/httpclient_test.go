package httpclient

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func TestReadBody_identity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"js":{"token":"abc"}}`))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := ReadBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"js":{"token":"abc"}}` {
		t.Errorf("body = %q", body)
	}
}

func TestReadBody_gzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("compressed payload"))
		gz.Close()
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip") // disable transparent decoding
	resp, err := Default().Transport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := ReadBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "compressed payload" {
		t.Errorf("body = %q", body)
	}
}

func TestReadBody_brotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		bw.Write([]byte("brotli payload"))
		bw.Close()
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := ReadBody(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "brotli payload" {
		t.Errorf("body = %q", body)
	}
}

func TestDoOnce429_thenOK(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := DoOnce429(ctx, nil, req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || attempts != 2 {
		t.Errorf("status = %d, attempts = %d", resp.StatusCode, attempts)
	}
}

func TestDoOnce429_noRetryOnOther4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ctx := context.Background()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := DoOnce429(ctx, nil, req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || attempts != 1 {
		t.Errorf("status = %d, attempts = %d, want 403 after one attempt", resp.StatusCode, attempts)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want time.Duration
	}{
		{"empty", "", time.Second},
		{"seconds", "5", 5 * time.Second},
		{"zero", "0", 0},
		{"over cap", "120", Max429Wait},
		{"garbage", "x", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.s, Max429Wait); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.s, got, tt.want)
			}
		})
	}
}

func TestHostSemaphore_serializesPerHost(t *testing.T) {
	sem := NewHostSemaphore(1)
	release := sem.Acquire("http://portal.example:8080/c/")

	acquired := make(chan struct{})
	go func() {
		r := sem.Acquire("http://portal.example:8080/other")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire for same host should block")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked")
	}
}
