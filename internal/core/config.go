package core

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transport selects how the engine reaches the race server.
const (
	TransportWebSocket    = "websocket"
	TransportWebTransport = "webtransport"
)

// Tuning defaults. All of these are overridable per deployment; the tests pin
// their own values instead of relying on them.
const (
	DefaultHistorySize          = 10
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelayMs = 500
	DefaultReconcileThreshold   = 5.0
	DefaultCorrectionFactor     = 0.3
	DefaultInterpolationFactor  = 0.25
	DefaultKeepAliveIntervalMs  = 5000
)

// Config is the engine configuration.
type Config struct {
	ServerURL     string `json:"server_url" env:"DRIFTLINE_SERVER_URL"`         // ws://host/path or https://host/path
	Transport     string `json:"transport" env:"DRIFTLINE_TRANSPORT"`           // websocket or webtransport
	PlayerID      string `json:"player_id" env:"DRIFTLINE_PLAYER_ID"`           // stable across reconnects
	PlayerName    string `json:"player_name" env:"DRIFTLINE_PLAYER_NAME"`       // display name
	SessionSecret string `json:"session_secret" env:"DRIFTLINE_SESSION_SECRET"` // shared rejoin-token secret

	MaxReconnectAttempts int `json:"max_reconnect_attempts" env:"DRIFTLINE_MAX_RECONNECT_ATTEMPTS"`
	ReconnectBaseDelayMs int `json:"reconnect_base_delay_ms" env:"DRIFTLINE_RECONNECT_BASE_DELAY_MS"`

	ReconcileThreshold  float64 `json:"reconcile_threshold" env:"DRIFTLINE_RECONCILE_THRESHOLD"`   // world units
	CorrectionFactor    float64 `json:"correction_factor" env:"DRIFTLINE_CORRECTION_FACTOR"`       // 0 < f <= 1
	InterpolationFactor float64 `json:"interpolation_factor" env:"DRIFTLINE_INTERPOLATION_FACTOR"` // 0 < f <= 1

	KeepAliveIntervalMs int `json:"keepalive_interval_ms" env:"DRIFTLINE_KEEPALIVE_INTERVAL_MS"`
	HistorySize         int `json:"history_size" env:"DRIFTLINE_HISTORY_SIZE"`

	InsecureSkipVerify bool   `json:"insecure_skip_verify" env:"DRIFTLINE_INSECURE_SKIP_VERIFY"` // dev certs only
	BridgeAddr         string `json:"bridge_addr" env:"DRIFTLINE_BRIDGE_ADDR"`                   // local control API, empty disables
}

// ApplyEnv overlays DRIFTLINE_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("config: server_url: %w", err)
	}
	switch c.Transport {
	case TransportWebSocket:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("config: websocket transport needs a ws:// or wss:// url, got %q", c.ServerURL)
		}
	case TransportWebTransport:
		if u.Scheme != "https" {
			return fmt.Errorf("config: webtransport needs an https:// url, got %q", c.ServerURL)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.PlayerID == "" {
		return fmt.Errorf("config: player_id is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: max_reconnect_attempts must be >= 0")
	}
	if c.ReconnectBaseDelayMs <= 0 {
		return fmt.Errorf("config: reconnect_base_delay_ms must be > 0")
	}
	if c.ReconcileThreshold <= 0 {
		return fmt.Errorf("config: reconcile_threshold must be > 0")
	}
	if c.CorrectionFactor <= 0 || c.CorrectionFactor > 1 {
		return fmt.Errorf("config: correction_factor must be in (0, 1]")
	}
	if c.InterpolationFactor <= 0 || c.InterpolationFactor > 1 {
		return fmt.Errorf("config: interpolation_factor must be in (0, 1]")
	}
	if c.KeepAliveIntervalMs <= 0 {
		return fmt.Errorf("config: keepalive_interval_ms must be > 0")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("config: history_size must be > 0")
	}
	return nil
}

// ReconnectBaseDelay returns the first backoff delay.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// KeepAliveInterval returns the expected server ping cadence.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}
