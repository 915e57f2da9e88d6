package config

// Config is the on-disk configuration of the delivery core daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Literal intervals, caps and timeouts of the delivery protocol live here
// rather than in code.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Backend  BackendConfig  `json:"backend"`
	Push     PushConfig     `json:"push"`
	Polling  PollingConfig  `json:"polling"`
	Dispatch DispatchConfig `json:"dispatch"`
	AutoOpen AutoOpenConfig `json:"auto_open"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// StatusInterval is how often the daemon logs a status line (default "5m").
	StatusInterval string `json:"status_interval,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BackendConfig points at the REST backend that originates notifications.
//
// Example:
//
//	"backend": { "base_url": "https://school.example/api", "timeout": "10s" }
type BackendConfig struct {
	BaseURL    string `json:"base_url"`
	AuthToken  string `json:"auth_token,omitempty"` // bearer token (do not log)
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	ClientInfo string `json:"client_info,omitempty"`
}

// PushConfig controls the push channel.
//
// Defaults (when fields are omitted/zero):
//   - connect_timeout: "10s"
//   - verify_timeout: "8s"
//   - refresh_schedule: "@every 24h"
type PushConfig struct {
	Enabled bool `json:"enabled"`
	// RelayURL is the websocket endpoint the local platform listens on for
	// push events. Empty means the host has no push capability.
	RelayURL        string `json:"relay_url,omitempty"`
	ConnectTimeout  string `json:"connect_timeout,omitempty"`
	VerifyTimeout   string `json:"verify_timeout,omitempty"`
	SkipVerify      bool   `json:"skip_verify,omitempty"`
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
	// PermissionAnswer is what the local platform answers when the user is
	// prompted: "granted" or "denied".
	PermissionAnswer string `json:"permission_answer,omitempty"`
	// BackgroundReadyDelay simulates a background context that takes a
	// while to activate.
	BackgroundReadyDelay string `json:"background_ready_delay,omitempty"`
}

// PollingConfig controls the polling channel.
//
// Defaults:
//   - interval: "30s"
//   - backoff_interval: "2m"
//   - max_failures: 20
//   - fetch_timeout: "15s"
type PollingConfig struct {
	Interval        string `json:"interval,omitempty"`
	BackoffInterval string `json:"backoff_interval,omitempty"`
	MaxFailures     int    `json:"max_failures,omitempty"`
	FetchTimeout    string `json:"fetch_timeout,omitempty"`
}

// DispatchConfig controls the display protocol.
//
// Defaults:
//   - ack_timeout: "3s"
//   - render_timeout: "2s"
//   - dedup_ttl: "24h"
type DispatchConfig struct {
	AckTimeout    string `json:"ack_timeout,omitempty"`
	RenderTimeout string `json:"render_timeout,omitempty"`
	DedupTTL      string `json:"dedup_ttl,omitempty"`
}

type AutoOpenConfig struct {
	// Default is the preference value used until the user changes it.
	Default bool   `json:"default"`
	Delay   string `json:"delay,omitempty"`
	// RootPaths are destinations that never count as a meaningful action URL.
	RootPaths []string `json:"root_paths,omitempty"`
}

// StorageConfig controls persisted client-side state.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/edunotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
}
