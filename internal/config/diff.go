package config

import (
	"reflect"
	"strings"

	logx "chatbus/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (bus.api_key) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if newCfg.HTTP != nil {
			attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
		}
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Updates, newCfg.Updates) {
		changed = append(changed, "updates")
		if u := newCfg.Updates; u != nil {
			attrs = append(attrs,
				logx.Int("updates.backlog_window", u.BacklogWindow),
				logx.Int("updates.failure_threshold", u.FailureThreshold),
				logx.String("updates.max_park", u.MaxPark),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Mirror, newCfg.Mirror) {
		changed = append(changed, "mirror")
	}
	if !reflect.DeepEqual(oldCfg.APISuperUsers, newCfg.APISuperUsers) {
		changed = append(changed, "api_super_users")
		attrs = append(attrs, logx.Int("api_super_users.count", len(newCfg.APISuperUsers)))
	}
	if !reflect.DeepEqual(oldCfg.Bus, newCfg.Bus) {
		changed = append(changed, "bus")
		if b := newCfg.Bus; b != nil {
			attrs = append(attrs,
				logx.String("bus.base_url", b.BaseURL),
				logx.Bool("bus.api_key_set", strings.TrimSpace(b.APIKey) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Zephyr, newCfg.Zephyr) {
		changed = append(changed, "zephyr")
	}
	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
	}
	return changed, attrs
}

// RestartRequired reports whether a change touches sections that are only
// read at startup.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging", "api_super_users":
		default:
			return true
		}
	}
	return false
}
