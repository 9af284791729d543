package app

import (
	"fmt"
	"strings"
	"time"

	"chatbus/internal/config"
	"chatbus/internal/mirrortag"
	"chatbus/internal/storage"
	"chatbus/internal/updates"
	logx "chatbus/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, fmt.Errorf("storage section is required")
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapUpdatesConfig(cfg *config.Config) (updates.Config, error) {
	if cfg.Updates == nil {
		return updates.Config{}, nil
	}
	u := cfg.Updates
	maxPark, err := config.ParseDurationOrDefault("updates.max_park", u.MaxPark, updates.DefaultMaxPark)
	if err != nil {
		return updates.Config{}, err
	}
	return updates.Config{
		BacklogWindow:    u.BacklogWindow,
		FailureThreshold: u.FailureThreshold,
		MaxPark:          maxPark,
	}, nil
}

func mapMirrorGuard(cfg *config.Config) (mirrortag.Guard, string, error) {
	mode, raw := "durable", ""
	if m := cfg.Mirror; m != nil {
		if s := strings.TrimSpace(m.TagMode); s != "" {
			mode = strings.ToLower(s)
		}
		raw = m.TagRetention
	}
	retention, err := config.ParseDurationOrDefault("mirror.tag_retention", raw, 24*time.Hour)
	if err != nil {
		return nil, "", err
	}
	return mirrortag.New(mode, retention), mode, nil
}

func autoCreateRealms(cfg *config.Config) []string {
	if cfg.Mirror == nil {
		return nil
	}
	return cfg.Mirror.AutoCreateRealms
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}
