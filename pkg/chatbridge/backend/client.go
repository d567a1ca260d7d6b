// Package backend is the HTTP client for the inference backend: a liveness
// check and a single-attempt inference call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/history"
)

// Config holds backend connection settings.
type Config struct {
	// URL is the full base URL. When set it overrides Scheme/Host/Port.
	URL string `yaml:"url" env:"BACKEND_API_URL"`

	Scheme string `yaml:"scheme" env:"BACKEND_API_SCHEME"`
	Host   string `yaml:"host" env:"BACKEND_API_HOST"`
	Port   int    `yaml:"port" env:"BACKEND_API_PORT"`

	// HealthPath is the liveness endpoint (default "/healthcheck").
	HealthPath string `yaml:"health_path" env:"BACKEND_HEALTH_PATH"`

	// InferencePath is the reply generation endpoint (default "/inference").
	InferencePath string `yaml:"inference_path" env:"BACKEND_INFERENCE_PATH"`

	// Timeout bounds each request. A timeout is reported as unreachable.
	Timeout time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`

	// HealthSchedule is the cron spec for periodic health probes
	// (e.g. "@every 5m"). Empty disables periodic probes.
	HealthSchedule string `yaml:"health_schedule" env:"BACKEND_HEALTH_SCHEDULE"`
}

// DefaultConfig returns the defaults of the original deployment.
func DefaultConfig() Config {
	return Config{
		Scheme:         "http",
		Host:           "127.0.0.1",
		Port:           5050,
		HealthPath:     "/healthcheck",
		InferencePath:  "/inference",
		Timeout:        2 * time.Minute,
		HealthSchedule: "@every 5m",
	}
}

// BaseURL resolves the backend base URL without a trailing slash.
func (c Config) BaseURL() string {
	if c.URL != "" {
		return strings.TrimRight(c.URL, "/")
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	if c.Port == 0 {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, c.Port)
}

// Validate checks that the resolved base URL is usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL())
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backend URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend URL %q has no host", c.BaseURL())
	}
	return nil
}

// HealthStatus is the body of a health check response. Dependencies are
// free-form; only Status decides health.
type HealthStatus struct {
	Status       string                     `json:"status"`
	Dependencies map[string]json.RawMessage `json:"dependencies,omitempty"`
}

// Healthy reports whether the backend declared itself healthy.
func (h *HealthStatus) Healthy() bool {
	return h != nil && h.Status == "OK"
}

// DependencyNames returns the reported dependency names, sorted.
func (h *HealthStatus) DependencyNames() []string {
	if h == nil {
		return nil
	}
	names := make([]string, 0, len(h.Dependencies))
	for name := range h.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependencyStatus describes one dependency. A string value is used as is,
// an object contributes its "status" field, anything else its raw JSON.
// ok is true for "OK".
func (h *HealthStatus) DependencyStatus(name string) (status string, ok bool) {
	if h == nil {
		return "", false
	}
	raw, found := h.Dependencies[name]
	if !found {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s == "OK"
	}
	var obj struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Status != nil {
		return *obj.Status, *obj.Status == "OK"
	}
	return truncate(string(bytes.TrimSpace(raw)), 80), false
}

// FailingDependencies returns the dependencies not reporting "OK", sorted.
func (h *HealthStatus) FailingDependencies() []string {
	var failing []string
	for _, name := range h.DependencyNames() {
		if _, ok := h.DependencyStatus(name); !ok {
			failing = append(failing, name)
		}
	}
	return failing
}

// Client talks to the inference backend.
type Client struct {
	baseURL       string
	healthPath    string
	inferencePath string
	httpClient    *http.Client
	logger        *slog.Logger

	probeMu   sync.RWMutex
	probed    bool
	healthy   bool
	checkedAt time.Time
}

// New creates a backend client from config.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.HealthPath == "" {
		cfg.HealthPath = defaults.HealthPath
	}
	if cfg.InferencePath == "" {
		cfg.InferencePath = defaults.InferencePath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	base := cfg.BaseURL()
	return &Client{
		baseURL:       base,
		healthPath:    "/" + strings.TrimLeft(cfg.HealthPath, "/"),
		inferencePath: "/" + strings.TrimLeft(cfg.InferencePath, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "backend", "url", base),
	}
}

// BaseURL returns the resolved backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// HealthCheck performs a liveness request. A body with a status other than
// "OK" is returned without error; check HealthStatus.Healthy.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	body, status, _, err := c.do(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &Error{Kind: KindBadResponse, StatusCode: status, Body: string(body)}
	}

	var hs HealthStatus
	if err := json.Unmarshal(body, &hs); err != nil {
		return nil, &Error{Kind: KindBadResponse, StatusCode: status, Body: string(body),
			Err: fmt.Errorf("decoding health status: %w", err)}
	}
	if hs.Status == "" {
		return nil, &Error{Kind: KindBadResponse, StatusCode: status, Body: string(body),
			Err: fmt.Errorf("health status has no status field")}
	}
	return &hs, nil
}

// Probe runs a health check and logs the outcome. It never fails; the
// result is informational.
func (c *Client) Probe(ctx context.Context) bool {
	healthy := c.probe(ctx)
	c.probeMu.Lock()
	c.probed, c.healthy, c.checkedAt = true, healthy, time.Now()
	c.probeMu.Unlock()
	return healthy
}

// LastProbe returns the result of the most recent Probe. ok is false
// before the first probe.
func (c *Client) LastProbe() (healthy bool, checkedAt time.Time, ok bool) {
	c.probeMu.RLock()
	defer c.probeMu.RUnlock()
	return c.healthy, c.checkedAt, c.probed
}

func (c *Client) probe(ctx context.Context) bool {
	hs, err := c.HealthCheck(ctx)
	if err != nil {
		c.logger.Error("could not get backend health status", "error", err)
		return false
	}
	if !hs.Healthy() {
		c.logger.Error("backend is not healthy",
			"status", hs.Status,
			"failing", hs.FailingDependencies())
		return false
	}
	if failing := hs.FailingDependencies(); len(failing) > 0 {
		c.logger.Warn("backend is healthy with failing dependencies", "failing", failing)
	} else {
		c.logger.Info("backend is healthy")
	}
	return true
}

// Inference sends the payload and returns the reply text to relay. There is
// exactly one attempt.
func (c *Client) Inference(ctx context.Context, payload *history.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("inference: nil payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	c.logger.Debug("sending inference request",
		"chat_id", payload.ChatID,
		"history", len(payload.History))

	start := time.Now()
	body, status, contentType, err := c.do(ctx, http.MethodPost, c.inferencePath, data)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		c.logger.Error("inference request failed",
			"status", status,
			"body", truncate(string(body), 500))
		return "", &Error{Kind: KindBadResponse, StatusCode: status, Body: string(body)}
	}

	reply, err := decodeReply(body, contentType)
	if err != nil {
		return "", &Error{Kind: KindBadResponse, StatusCode: status, Body: string(body), Err: err}
	}

	c.logger.Info("inference done",
		"chat_id", payload.ChatID,
		"duration_ms", time.Since(start).Milliseconds(),
		"reply_len", len(reply))
	return reply, nil
}

// do executes a request and returns the raw body, status code and response
// content type. Transport failures are reported as KindUnreachable.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, string, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, "", fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", &Error{Kind: KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, "", &Error{Kind: KindUnreachable, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("reading response: %w", err)}
	}
	return body, resp.StatusCode, resp.Header.Get("Content-Type"), nil
}

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// replyFields are the object keys that may carry the reply text.
var replyFields = []string{"reply", "response", "text", "message", "answer"}

// decodeReply extracts the reply text from a response body. Only bodies
// declared as JSON are decoded: a JSON string, or an object with one of
// replyFields. Anything else, including JSON-typed bodies that fail to
// parse, is relayed as trimmed text.
func decodeReply(body []byte, contentType string) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty reply")
	}
	if !isJSON(contentType) {
		return string(trimmed), nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed), nil
	}

	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("null reply")
	case string:
		return nonEmpty(val)
	case map[string]any:
		for _, key := range replyFields {
			if s, ok := val[key].(string); ok && strings.TrimSpace(s) != "" {
				return s, nil
			}
		}
		return "", fmt.Errorf("reply object has no text field (want one of %s)", strings.Join(replyFields, ", "))
	case []any:
		return "", fmt.Errorf("unexpected JSON array reply")
	default:
		return string(trimmed), nil
	}
}

// isJSON reports whether a Content-Type header names a JSON media type.
func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func nonEmpty(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("empty reply")
	}
	return s, nil
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
