package webui

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrAuthMisconfigured is returned when the QR page credentials are missing
// or unusable. The page is never served without authentication.
var ErrAuthMisconfigured = errors.New("QR page credentials are not configured")

// credentials checks HTTP Basic credentials.
type credentials struct {
	username     string
	password     string
	passwordHash []byte
}

func newCredentials(cfg Config) (*credentials, error) {
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is empty", ErrAuthMisconfigured)
	}
	if cfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("%w: password hash is not a bcrypt hash: %v", ErrAuthMisconfigured, err)
		}
		return &credentials{username: username, passwordHash: []byte(cfg.PasswordHash)}, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrAuthMisconfigured)
	}
	return &credentials{username: username, password: cfg.Password}, nil
}

// valid reports whether the given pair matches. The username comparison
// always runs so a wrong username takes as long as a wrong password.
func (c *credentials) valid(username, password string) bool {
	userOK := compareTokens(username, c.username)
	var passOK bool
	if c.passwordHash != nil {
		passOK = bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) == nil
	} else {
		passOK = compareTokens(password, c.password)
	}
	return userOK && passOK
}

// compareTokens performs timing-safe comparison by hashing both inputs with
// SHA-256 before calling ConstantTimeCompare to prevent length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// basicAuth requires valid HTTP Basic credentials.
func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.creds.valid(user, pass) {
			if ok {
				s.logger.Warn("rejected QR page login", "remote", r.RemoteAddr, "path", r.URL.Path)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="chatbridge", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// HashPassword returns a bcrypt hash suitable for webui.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}
