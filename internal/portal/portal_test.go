package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// portalServer is a scripted Stalker portal for tests. Handlers are keyed by
// the action query parameter; unhandled actions get 404.
type portalServer struct {
	mu      sync.Mutex
	calls   []string
	handler map[string]http.HandlerFunc
}

func newPortalServer() (*portalServer, *httptest.Server) {
	ps := &portalServer{handler: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Query().Get("action")
		ps.mu.Lock()
		ps.calls = append(ps.calls, action)
		ps.mu.Unlock()
		if h, ok := ps.handler[action]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	return ps, srv
}

func (ps *portalServer) count(action string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n := 0
	for _, a := range ps.calls {
		if a == action {
			n++
		}
	}
	return n
}

func tokenJSON(w http.ResponseWriter, token string) {
	fmt.Fprintf(w, `{"js":{"token":%q}}`, token)
}

func userSession(endpoint string) *Session {
	return NewSession(endpoint, Credential{Username: "user", Password: "pass"}, nil)
}

func connectAuthed(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticate_tokenFromEnvelope(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "prelim") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "abc123") }

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	if st := s.State(); st != StateAuthenticated {
		t.Errorf("state = %q, want %q", st, StateAuthenticated)
	}
	if tok, _ := s.Token(); tok != "abc123" {
		t.Errorf("token = %q, want abc123", tok)
	}
}

func TestAuthenticate_missingTokenFails(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "prelim") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"js":{}}`) }

	s := userSession(srv.URL + "/portal.php")
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := s.Authenticate(context.Background())
	if !errors.Is(err, ErrTokenMissing) {
		t.Errorf("err = %v, want ErrTokenMissing", err)
	}
	if st := s.State(); st != StateFailed {
		t.Errorf("state = %q, want %q", st, StateFailed)
	}
}

func TestAuthenticate_outOfOrder(t *testing.T) {
	s := userSession("http://unused.invalid/portal.php")
	if err := s.Authenticate(context.Background()); !errors.Is(err, ErrBadState) {
		t.Errorf("err = %v, want ErrBadState", err)
	}
}

func TestFetchChannels_singleReauthThenSuccess(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t1") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t2") }
	channelCalls := 0
	ps.handler["get_all_channels"] = func(w http.ResponseWriter, r *http.Request) {
		channelCalls++
		if channelCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"js":{"data":[{"id":"1","name":"BBC One","cmd":"ffmpeg http://portal/ch/1"}]}}`)
	}

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	channels, err := s.FetchChannels(context.Background())
	if err != nil {
		t.Fatalf("FetchChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].Name != "BBC One" {
		t.Fatalf("channels = %+v", channels)
	}
	if channelCalls != 2 {
		t.Errorf("get_all_channels calls = %d, want 2 (one 401, one retry)", channelCalls)
	}
	// handshake runs once at connect and once during the single reauth
	if n := ps.count("handshake"); n != 2 {
		t.Errorf("handshake calls = %d, want 2", n)
	}
	if st := s.State(); st != StateCatalogFetched {
		t.Errorf("state = %q, want %q", st, StateCatalogFetched)
	}
}

func TestFetchChannels_secondRejectionFailsSession(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t1") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t2") }
	ps.handler["get_all_channels"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	_, err := s.FetchChannels(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("err = %v, want ErrAuthRejected", err)
	}
	if st := s.State(); st != StateFailed {
		t.Errorf("state = %q, want %q", st, StateFailed)
	}
	// exactly one recovery attempt: initial 401 + one retry, no third call
	if n := ps.count("get_all_channels"); n != 2 {
		t.Errorf("get_all_channels calls = %d, want 2", n)
	}
}

func TestFetchProfile_failureIsNonFatal(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t1") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t2") }
	ps.handler["get_profile"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	ps.handler["get_all_channels"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"data":[{"id":"1","name":"One","cmd":"http://x/1"}]}}`)
	}

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	if raw := s.FetchProfile(context.Background()); raw != nil {
		t.Errorf("profile = %q, want nil on server error", raw)
	}
	if st := s.State(); st != StateProfileFetched {
		t.Errorf("state = %q, want %q (profile failure must not block)", st, StateProfileFetched)
	}
	if _, err := s.FetchChannels(context.Background()); err != nil {
		t.Errorf("FetchChannels after failed profile: %v", err)
	}
}

func TestResolveStreamLink(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t1") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t2") }
	ps.handler["create_link"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cmd"); got != "ch-99" {
			t.Errorf("cmd = %q, want ch-99", got)
		}
		fmt.Fprint(w, `{"js":{"cmd":"ffmpeg http://edge.example/stream/99.m3u8"}}`)
	}

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	link, err := s.ResolveStreamLink(context.Background(), "ch-99")
	if err != nil {
		t.Fatalf("ResolveStreamLink: %v", err)
	}
	if link != "http://edge.example/stream/99.m3u8" {
		t.Errorf("link = %q", link)
	}
}

func TestResolveStreamLink_emptyCmd(t *testing.T) {
	ps, srv := newPortalServer()
	defer srv.Close()
	ps.handler["handshake"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t1") }
	ps.handler["do_auth"] = func(w http.ResponseWriter, r *http.Request) { tokenJSON(w, "t2") }
	ps.handler["create_link"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"cmd":""}}`)
	}

	s := userSession(srv.URL + "/portal.php")
	connectAuthed(t, s)

	_, err := s.ResolveStreamLink(context.Background(), "ch-1")
	if !errors.Is(err, ErrStreamLinkUnavailable) {
		t.Errorf("err = %v, want ErrStreamLinkUnavailable", err)
	}
}

func TestExtractStreamURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ffmpeg http://host/live/1.m3u8", "http://host/live/1.m3u8"},
		{"auto http://host/live/2.ts", "http://host/live/2.ts"},
		{"http://host/plain", "http://host/plain"},
		{"https://host/tls", "https://host/tls"},
		{"ffmpeg", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractStreamURL(tt.in); got != tt.want {
			t.Errorf("extractStreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMACHeadersSent(t *testing.T) {
	var gotCookie, gotMAC string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotMAC = r.Header.Get("MAC")
		tokenJSON(w, "t")
	}))
	defer srv.Close()

	s := NewSession(srv.URL+"/portal.php", Credential{MAC: "00:1A:79:12:34:56"}, nil)
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotMAC != "00:1A:79:12:34:56" {
		t.Errorf("MAC header = %q", gotMAC)
	}
	if gotCookie != "mac=00:1A:79:12:34:56; stb_lang=en; timezone=Europe/London" {
		t.Errorf("Cookie = %q", gotCookie)
	}
}
