// Package config assembles the chatbridge configuration from defaults, an
// optional YAML file, .env files, the process environment and the OS keyring.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/backend"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels/discord"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels/whatsapp"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/relay"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/scheduler"
	"github.com/jholhewres/chatbridge/pkg/chatbridge/webui"
)

// Supported collaborators.
const (
	CollaboratorWhatsApp = "whatsapp"
	CollaboratorDiscord  = "discord"
)

// ErrAuthMisconfigured is returned by Validate when the web UI is enabled
// without usable credentials. It wraps webui.ErrAuthMisconfigured.
var ErrAuthMisconfigured = webui.ErrAuthMisconfigured

// Config is the root configuration.
type Config struct {
	// Collaborator selects the chat platform ("whatsapp" or "discord").
	Collaborator string `yaml:"collaborator" env:"CHAT_COLLABORATOR"`

	Backend  backend.Config  `yaml:"backend"`
	Relay    relay.Config    `yaml:"relay"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
	WebUI     webui.Config     `yaml:"webui"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging"`

	// Path is the file the config was loaded from ("" when none).
	Path string `yaml:"-"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LOG_LEVEL"`

	// Format is "text" or "json".
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Collaborator: CollaboratorWhatsApp,
		Backend:      backend.DefaultConfig(),
		Relay:        relay.DefaultConfig(),
		WhatsApp:     whatsapp.DefaultConfig(),
		WebUI:        webui.DefaultConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for errors that would make the service
// unusable. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Collaborator {
	case CollaboratorWhatsApp:
		if strings.TrimSpace(c.WhatsApp.DatabasePath) == "" {
			errs = append(errs, fmt.Errorf("whatsapp.database_path is empty"))
		}
	case CollaboratorDiscord:
		if strings.TrimSpace(c.Discord.Token) == "" {
			errs = append(errs, fmt.Errorf("discord.token is required (set DISCORD_TOKEN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown collaborator %q (want %q or %q)",
			c.Collaborator, CollaboratorWhatsApp, CollaboratorDiscord))
	}

	if err := c.Backend.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Relay.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("relay.history_limit must be positive, got %d", c.Relay.HistoryLimit))
	}

	if c.WebUI.Enabled {
		if strings.TrimSpace(c.WebUI.Username) == "" {
			errs = append(errs, fmt.Errorf("%w: set webui.username or QR_USERNAME", ErrAuthMisconfigured))
		}
		if c.WebUI.Password == "" && c.WebUI.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("%w: set webui.password, webui.password_hash or QR_PASSWORD", ErrAuthMisconfigured))
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ---------- Logging ----------

// NewLogger builds the process logger. verbose forces debug level.
func NewLogger(cfg LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown logging.level %q", s)
	}
}
