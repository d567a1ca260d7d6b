// Package webui serves the QR login page. An operator opens /qr, signs in
// with HTTP Basic credentials and scans the current challenge; once the
// account is linked the page reports that instead.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/session"
)

// Config holds web UI configuration.
type Config struct {
	// Enabled turns the web UI on/off.
	Enabled bool `yaml:"enabled" env:"WEBUI_ENABLED"`

	// Address is the listen address (default ":8080").
	Address string `yaml:"address" env:"LISTEN_ADDR"`

	// Username and Password protect every page except /healthz.
	Username string `yaml:"username" env:"QR_USERNAME"`
	Password string `yaml:"password" env:"QR_PASSWORD"`

	// PasswordHash is a bcrypt hash used instead of Password when set.
	PasswordHash string `yaml:"password_hash" env:"QR_PASSWORD_HASH"`

	// RefreshSeconds is how often the QR page reloads itself.
	RefreshSeconds int `yaml:"refresh_seconds" env:"QR_REFRESH_SECONDS"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Address:        ":8080",
		RefreshSeconds: 20,
	}
}

// SessionView is the read side of the session controller.
type SessionView interface {
	State() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// HealthReporter exposes the last backend health probe.
type HealthReporter interface {
	LastProbe() (healthy bool, checkedAt time.Time, ok bool)
}

// Server is the web UI HTTP server.
type Server struct {
	cfg     Config
	creds   *credentials
	session SessionView
	health  HealthReporter
	logger  *slog.Logger

	server   *http.Server
	listener net.Listener
}

// New creates a web UI server. It fails with ErrAuthMisconfigured when no
// usable credentials are configured. health may be nil.
func New(cfg Config, sess SessionView, health HealthReporter, logger *slog.Logger) (*Server, error) {
	if sess == nil {
		return nil, fmt.Errorf("webui: nil session")
	}
	defaults := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.RefreshSeconds <= 0 {
		cfg.RefreshSeconds = defaults.RefreshSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := newCredentials(cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		creds:   creds,
		session: sess,
		health:  health,
		logger:  logger.With("component", "webui"),
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ── Public routes ──
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// ── Protected routes ──
	mux.HandleFunc("GET /{$}", s.basicAuth(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/qr", http.StatusFound)
	}))
	mux.HandleFunc("GET /qr", s.basicAuth(s.handleQRPage))
	mux.HandleFunc("GET /qr.png", s.basicAuth(s.handleQRImage))
	mux.HandleFunc("GET /api/status", s.basicAuth(s.handleStatus))
	mux.HandleFunc("GET /ws", s.basicAuth(s.handleWS))

	return mux
}

// Start binds the listen address and serves in the background. Bind
// errors are returned.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("webui: listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("web UI starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web UI server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.logger.Info("web UI stopped")
	return err
}

// ── Handlers ──

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// statusResponse is the body of /api/status.
type statusResponse struct {
	State            session.Phase `json:"state"`
	SelfID           string        `json:"self_id,omitempty"`
	HasChallenge     bool          `json:"has_challenge"`
	Challenges       int           `json:"challenges"`
	BackendHealthy   *bool         `json:"backend_healthy,omitempty"`
	BackendCheckedAt *time.Time    `json:"backend_checked_at,omitempty"`
}

func (s *Server) status(snap session.Snapshot) statusResponse {
	resp := statusResponse{
		State:        snap.Phase,
		SelfID:       snap.SelfID,
		HasChallenge: snap.Phase == session.QRPending && snap.Challenge != "",
		Challenges:   snap.Challenges,
	}
	if s.health != nil {
		if healthy, at, ok := s.health.LastProbe(); ok {
			resp.BackendHealthy = &healthy
			resp.BackendCheckedAt = &at
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status(s.session.State()))
}

// ── JSON helpers ──

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
