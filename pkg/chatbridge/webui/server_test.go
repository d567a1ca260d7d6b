package webui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHealth struct {
	healthy bool
	at      time.Time
	ok      bool
}

func (f fakeHealth) LastProbe() (bool, time.Time, bool) { return f.healthy, f.at, f.ok }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Username = "admin"
	cfg.Password = "s3cret"
	return cfg
}

func newTestServer(t *testing.T, sess *session.Controller, health HealthReporter) *httptest.Server {
	t.Helper()
	srv, err := New(testConfig(), sess, health, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, auth bool) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if auth {
		req.SetBasicAuth("admin", "s3cret")
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestNewRequiresCredentials(t *testing.T) {
	sess := session.New(testLogger())
	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"username and password", Config{Username: "admin", Password: "x"}, false},
		{"username and hash", Config{Username: "admin", PasswordHash: string(hash)}, false},
		{"missing username", Config{Password: "x"}, true},
		{"blank username", Config{Username: "  ", Password: "x"}, true},
		{"missing password", Config{Username: "admin"}, true},
		{"invalid hash", Config{Username: "admin", PasswordHash: "not-bcrypt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, sess, nil, testLogger())
			if tt.wantErr {
				if !errors.Is(err, ErrAuthMisconfigured) {
					t.Errorf("expected ErrAuthMisconfigured, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, session.New(testLogger()), nil)

	t.Run("healthz is public", func(t *testing.T) {
		resp := get(t, ts.URL+"/healthz", false)
		if resp.StatusCode != http.StatusOK || body(t, resp) != "ok" {
			t.Errorf("unexpected /healthz response %d", resp.StatusCode)
		}
	})

	for _, path := range []string{"/", "/qr", "/qr.png", "/api/status", "/ws"} {
		t.Run("no credentials "+path, func(t *testing.T) {
			resp := get(t, ts.URL+path, false)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", resp.StatusCode)
			}
			if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
				t.Error("expected Basic challenge header")
			}
		})
	}

	t.Run("wrong password", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/qr", nil)
		req.SetBasicAuth("admin", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("root redirects to qr", func(t *testing.T) {
		resp := get(t, ts.URL+"/", true)
		if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/qr" {
			t.Errorf("expected redirect to /qr, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
		}
	})
}

func TestBcryptCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	c, err := newCredentials(Config{Username: "admin", PasswordHash: string(hash)})
	if err != nil {
		t.Fatal(err)
	}
	if !c.valid("admin", "s3cret") {
		t.Error("expected valid credentials")
	}
	if c.valid("admin", "wrong") || c.valid("root", "s3cret") {
		t.Error("expected invalid credentials")
	}
}

func TestQRPagePhases(t *testing.T) {
	sess := session.New(testLogger())
	ts := newTestServer(t, sess, nil)

	t.Run("no challenge yet", func(t *testing.T) {
		resp := get(t, ts.URL+"/qr", true)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", resp.StatusCode)
		}
		b := body(t, resp)
		if !strings.Contains(b, "No QR code yet") || !strings.Contains(b, `http-equiv="refresh"`) {
			t.Error("expected error page with auto-refresh")
		}

		img := get(t, ts.URL+"/qr.png", true)
		if img.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503 for image, got %d", img.StatusCode)
		}
	})

	sess.OnChallenge("2@abc,def,ghi")

	t.Run("challenge pending", func(t *testing.T) {
		resp := get(t, ts.URL+"/qr", true)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
		b := body(t, resp)
		if !strings.Contains(b, "data:image/png;base64,") {
			t.Error("expected inline QR image")
		}
		if !strings.Contains(b, `content="20"`) {
			t.Error("expected refresh interval of 20 seconds")
		}

		img := get(t, ts.URL+"/qr.png", true)
		if img.StatusCode != http.StatusOK || img.Header.Get("Content-Type") != "image/png" {
			t.Fatalf("unexpected image response %d %s", img.StatusCode, img.Header.Get("Content-Type"))
		}
		if png := body(t, img); !strings.HasPrefix(png, "\x89PNG") {
			t.Error("expected PNG data")
		}
	})

	sess.OnAuthenticated("491700000000@s.whatsapp.net")

	t.Run("ready", func(t *testing.T) {
		resp := get(t, ts.URL+"/qr", true)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
		b := body(t, resp)
		if !strings.Contains(b, "Already signed in") || strings.Contains(b, "data:image/png") {
			t.Error("expected signed-in page without QR")
		}

		img := get(t, ts.URL+"/qr.png", true)
		if img.StatusCode != http.StatusConflict {
			t.Errorf("expected 409 for image, got %d", img.StatusCode)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	sess := session.New(testLogger())
	checked := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ts := newTestServer(t, sess, fakeHealth{healthy: true, at: checked, ok: true})

	sess.OnChallenge("qr")
	resp := get(t, ts.URL+"/api/status", true)
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "qr_pending" || got["has_challenge"] != true || got["backend_healthy"] != true {
		t.Errorf("unexpected status %v", got)
	}
	if got["backend_checked_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected checked_at %v", got["backend_checked_at"])
	}
	if _, leaked := got["challenge"]; leaked {
		t.Error("status must not expose the challenge")
	}
}

func TestStatusWithoutProbe(t *testing.T) {
	ts := newTestServer(t, session.New(testLogger()), fakeHealth{})
	var got map[string]any
	json.NewDecoder(get(t, ts.URL+"/api/status", true).Body).Decode(&got)
	if _, ok := got["backend_healthy"]; ok {
		t.Error("expected backend_healthy to be omitted before the first probe")
	}
}

func TestWebSocketPushesTransitions(t *testing.T) {
	sess := session.New(testLogger())
	ts := newTestServer(t, sess, nil)

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:s3cret")))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() statusResponse {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var s statusResponse
		if err := conn.ReadJSON(&s); err != nil {
			t.Fatalf("read: %v", err)
		}
		return s
	}

	if s := read(); s.State != session.Unauthenticated {
		t.Errorf("initial state = %s", s.State)
	}

	sess.OnChallenge("qr-1")
	if s := read(); !s.HasChallenge || s.Challenges != 1 {
		t.Errorf("after challenge: %+v", s)
	}

	sess.OnAuthenticated("me")
	if s := read(); s.State != session.Ready || s.SelfID != "me" {
		t.Errorf("after ready: %+v", s)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Address = "127.0.0.1:0"
	srv, err := New(cfg, session.New(testLogger()), nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("s3cret")) != nil {
		t.Error("hash does not match password")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}
