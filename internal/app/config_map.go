package app

import (
	"fmt"
	"strings"
	"time"

	"edunotify/internal/autoopen"
	"edunotify/internal/backend"
	"edunotify/internal/channel"
	"edunotify/internal/config"
	"edunotify/internal/dispatch"
	"edunotify/internal/notification"
	"edunotify/internal/poller"
	"edunotify/internal/storage"
	"edunotify/internal/token"
	logx "edunotify/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9464"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the store to open. A missing section or driver
// "none" selects the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	timeout, err := config.ParseDurationOrDefault("backend.timeout", cfg.Backend.Timeout, 10*time.Second)
	if err != nil {
		return backend.Config{}, err
	}
	if cfg.Backend.RatePerSec < 0 {
		return backend.Config{}, fmt.Errorf("backend.rate_per_sec must be >= 0")
	}
	return backend.Config{
		BaseURL:    cfg.Backend.BaseURL,
		AuthToken:  cfg.Backend.AuthToken,
		Timeout:    timeout,
		RatePerSec: cfg.Backend.RatePerSec,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	pc := cfg.Polling
	interval, err := config.ParseDurationOrDefault("polling.interval", pc.Interval, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("polling.backoff_interval", pc.BackoffInterval, 2*time.Minute)
	if err != nil {
		return poller.Config{}, err
	}
	fetch, err := config.ParseDurationOrDefault("polling.fetch_timeout", pc.FetchTimeout, 15*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if pc.MaxFailures < 0 {
		return poller.Config{}, fmt.Errorf("polling.max_failures must be >= 0")
	}
	if backoff < interval {
		return poller.Config{}, fmt.Errorf("polling.backoff_interval (%s) must not be shorter than polling.interval (%s)", backoff, interval)
	}
	return poller.Config{
		Interval:        interval,
		BackoffInterval: backoff,
		MaxFailures:     pc.MaxFailures,
		FetchTimeout:    fetch,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	ack, err := config.ParseDurationOrDefault("dispatch.ack_timeout", dc.AckTimeout, 3*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	render, err := config.ParseDurationOrDefault("dispatch.render_timeout", dc.RenderTimeout, 2*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("dispatch.dedup_ttl", dc.DedupTTL, 24*time.Hour)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{AckTimeout: ack, RenderTimeout: render, DedupTTL: ttl}, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	pc := cfg.Push
	connect, err := config.ParseDurationOrDefault("push.connect_timeout", pc.ConnectTimeout, 10*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	verify, err := config.ParseDurationOrDefault("push.verify_timeout", pc.VerifyTimeout, 8*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		PushEnabled:    pc.Enabled,
		ConnectTimeout: connect,
		VerifyTimeout:  verify,
		SkipVerify:     pc.SkipVerify,
	}, nil
}

func mapTokenConfig(cfg *config.Config) (token.Config, error) {
	connect, err := config.ParseDurationOrDefault("push.connect_timeout", cfg.Push.ConnectTimeout, 10*time.Second)
	if err != nil {
		return token.Config{}, err
	}
	return token.Config{
		DeviceType:     cfg.Backend.DeviceType,
		ClientInfo:     cfg.Backend.ClientInfo,
		AcquireTimeout: connect,
	}, nil
}

// mapRefreshSchedule normalizes push.refresh_schedule; empty means daily.
func mapRefreshSchedule(cfg *config.Config) (string, error) {
	raw := strings.TrimSpace(cfg.Push.RefreshSchedule)
	if raw == "" {
		raw = "@every 24h"
	}
	spec, err := token.ParseSchedule(raw)
	if err != nil {
		return "", fmt.Errorf("push.refresh_schedule: %w", err)
	}
	return spec, nil
}

func mapPermissionAnswer(cfg *config.Config) (notification.Permission, error) {
	raw := strings.TrimSpace(cfg.Push.PermissionAnswer)
	if raw == "" {
		return notification.PermissionGranted, nil
	}
	p := notification.ParsePermission(raw)
	if p == notification.PermissionDefault && !strings.EqualFold(raw, string(notification.PermissionDefault)) {
		return "", fmt.Errorf("push.permission_answer: invalid %q", raw)
	}
	return p, nil
}

func mapBackgroundDelay(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("push.background_ready_delay", cfg.Push.BackgroundReadyDelay, 0)
}

func mapAutoOpenConfig(cfg *config.Config) (autoopen.Config, error) {
	delay, err := config.ParseDurationOrDefault("auto_open.delay", cfg.AutoOpen.Delay, 500*time.Millisecond)
	if err != nil {
		return autoopen.Config{}, err
	}
	return autoopen.Config{Delay: delay, RootPaths: cfg.AutoOpen.RootPaths}, nil
}

func mapStatusInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("logging.status_interval", cfg.Logging.StatusInterval, 5*time.Minute)
}

func mapMetricsConfig(cfg *config.Config) MetricsServerConfig {
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = defaultMetricsAddr
	}
	return MetricsServerConfig{Enabled: cfg.Metrics.Enabled, Addr: addr}
}

// validateConfig rejects a configuration the daemon could not apply. It runs
// before a hot reload is committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if _, err := mapBackendConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTokenConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRefreshSchedule(cfg); err != nil {
		return err
	}
	if _, err := mapPermissionAnswer(cfg); err != nil {
		return err
	}
	if _, err := mapBackgroundDelay(cfg); err != nil {
		return err
	}
	if _, err := mapAutoOpenConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusInterval(cfg); err != nil {
		return err
	}
	return nil
}
