package config

import (
	"reflect"
	"strings"

	logx "edunotify/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging (never includes secrets like the backend auth token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Backend.BaseURL != newCfg.Backend.BaseURL ||
		oldCfg.Backend.Timeout != newCfg.Backend.Timeout ||
		oldCfg.Backend.RatePerSec != newCfg.Backend.RatePerSec ||
		oldCfg.Backend.AuthToken != newCfg.Backend.AuthToken {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.base_url", strings.TrimSpace(newCfg.Backend.BaseURL)),
			logx.Bool("backend.auth_set", strings.TrimSpace(newCfg.Backend.AuthToken) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		attrs = append(attrs, logx.Bool("push.enabled", newCfg.Push.Enabled))
	}
	if oldCfg.Polling != newCfg.Polling {
		changed = append(changed, "polling")
		attrs = append(attrs,
			logx.String("polling.interval", newCfg.Polling.Interval),
			logx.String("polling.backoff_interval", newCfg.Polling.BackoffInterval),
			logx.Int("polling.max_failures", newCfg.Polling.MaxFailures),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.String("dispatch.ack_timeout", newCfg.Dispatch.AckTimeout))
	}
	if !reflect.DeepEqual(oldCfg.AutoOpen, newCfg.AutoOpen) {
		changed = append(changed, "auto_open")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	return changed, attrs
}
