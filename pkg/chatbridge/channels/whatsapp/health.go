// Package whatsapp – health.go detects silent or half-open connections and
// forces a reconnect. CheckConnection is meant to run on a schedule.
package whatsapp

import (
	"context"
	"fmt"
	"time"
)

// WatchdogConfig configures connection health checks.
type WatchdogConfig struct {
	// Schedule is the cron spec for CheckConnection (default "@every 30s").
	// Empty disables the watchdog.
	Schedule string `yaml:"schedule" env:"WHATSAPP_WATCHDOG_SCHEDULE"`

	// MaxSilent is how long the connection may go without any event before
	// it is inspected. Default: 5m.
	MaxSilent time.Duration `yaml:"max_silent" env:"WHATSAPP_WATCHDOG_MAX_SILENT"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the client still reports connected. 0 disables it. Default: 30m.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after" env:"WHATSAPP_WATCHDOG_FORCE_RECONNECT"`
}

// DefaultWatchdogConfig returns sensible defaults.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Schedule:            "@every 30s",
		MaxSilent:           5 * time.Minute,
		ForceReconnectAfter: 30 * time.Minute,
	}
}

// CheckConnection inspects a connected session that has been silent for
// longer than MaxSilent. It reconnects when the client reports the socket
// gone, or when the silence exceeds ForceReconnectAfter.
func (w *WhatsApp) CheckConnection(ctx context.Context) error {
	if w.State() != StateConnected {
		return nil
	}

	cfg := w.cfg.Watchdog
	if cfg.MaxSilent <= 0 {
		cfg.MaxSilent = DefaultWatchdogConfig().MaxSilent
	}

	silent := time.Since(w.lastActivityAt())
	if silent <= cfg.MaxSilent {
		return nil
	}

	w.logger.Warn("whatsapp: connection silent for too long",
		"silent_duration", silent,
		"max_silent", cfg.MaxSilent)

	switch {
	case !w.clientConnected():
		w.logger.Error("whatsapp: client reports disconnected but state is connected")
	case cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter:
		w.logger.Warn("whatsapp: forcing preventive reconnection",
			"silent_duration", silent,
			"force_reconnect_after", cfg.ForceReconnectAfter)
	default:
		// whatsmeow keeps its own keepalive; a quiet chat is not a failure.
		return nil
	}

	if err := w.reconnect(ctx); err != nil {
		return fmt.Errorf("whatsapp reconnect: %w", err)
	}
	return nil
}

// reconnectClient drops and re-opens the websocket.
func (w *WhatsApp) reconnectClient(_ context.Context) error {
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}
	w.connected.Store(false)
	w.setState(StateConnecting)
	w.client.Disconnect()
	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return err
	}
	w.touch()
	return nil
}

func (w *WhatsApp) clientConnected() bool {
	return w.client != nil && w.client.IsConnected()
}

// touch records activity on the connection.
func (w *WhatsApp) touch() {
	w.lastActivity.Store(time.Now())
}

func (w *WhatsApp) lastActivityAt() time.Time {
	if v := w.lastActivity.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}
