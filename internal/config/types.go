package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is shared by both daemons. busd reads http/storage/updates/mirror,
// zmirror reads bus/zephyr/bridge; logging applies to both.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	HTTP    *HTTPConfig    `json:"http,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Updates *UpdatesConfig `json:"updates,omitempty"`
	Mirror  *MirrorConfig  `json:"mirror,omitempty"`
	// APISuperUsers may send forged messages on behalf of other users.
	APISuperUsers []string `json:"api_super_users,omitempty"`

	Bus    *BusConfig    `json:"bus,omitempty"`
	Zephyr *ZephyrConfig `json:"zephyr,omitempty"`
	Bridge *BridgeConfig `json:"bridge,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API listener.
//
// Durations are Go duration strings. WriteTimeout defaults to 0 (disabled)
// because long-poll responses are held open for updates.max_park.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:9991"
	Mode         string `json:"mode,omitempty"` // gin mode: debug|release|test
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the message store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chatbus.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// UpdatesConfig tunes the long-poll service.
type UpdatesConfig struct {
	BacklogWindow    int    `json:"backlog_window,omitempty"`    // default 400
	FailureThreshold int    `json:"failure_threshold,omitempty"` // default 4
	MaxPark          string `json:"max_park,omitempty"`          // default "55s"
}

// MirrorConfig controls how mirror-originated messages are tracked.
type MirrorConfig struct {
	// TagMode is "durable" (default) or "memory".
	TagMode      string `json:"tag_mode,omitempty"`
	TagRetention string `json:"tag_retention,omitempty"` // default "24h"
	// AutoCreateRealms lists realm domains whose users are created on first
	// reference by a forged send.
	AutoCreateRealms []string `json:"auto_create_realms,omitempty"`
}

// BusConfig is how the bridge reaches the bus API.
type BusConfig struct {
	BaseURL string `json:"base_url"`
	Email   string `json:"email"`
	APIKey  string `json:"api_key"` // never logged
	Timeout string `json:"timeout,omitempty"`
}

// ZephyrConfig describes the legacy protocol tools.
type ZephyrConfig struct {
	Zwrite   string `json:"zwrite,omitempty"`   // default "zwrite"
	Zctl     string `json:"zctl,omitempty"`     // default "zctl"
	Receiver string `json:"receiver,omitempty"` // helper printing one JSON notice per line
	SubsFile string `json:"subs_file,omitempty"`
	// User is the mirrored legacy principal, without realm.
	User  string `json:"user"`
	Realm string `json:"realm,omitempty"` // default "ATHENA.MIT.EDU"
	// Domain is the bus email domain of mirrored users (e.g. "mit.edu").
	Domain string `json:"domain"`
}

// BridgeConfig tunes the mirror loops.
type BridgeConfig struct {
	PollInterval    string  `json:"poll_interval,omitempty"`    // default "1s"
	ResyncSchedule  string  `json:"resync_schedule,omitempty"`  // cron spec, default "@every 30s"
	ReplayTolerance string  `json:"replay_tolerance,omitempty"` // default "15s"
	SendRatePerSec  float64 `json:"send_rate_per_sec,omitempty"`
	ResendLog       string  `json:"resend_log,omitempty"`
	WatchBinary     bool    `json:"watch_binary,omitempty"`
	// Direction limits the bridge to "inbound" or "outbound"; empty runs both.
	Direction string `json:"direction,omitempty"`
}

// ValidateServer checks the sections busd needs.
func ValidateServer(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Path) == "" && !strings.EqualFold(cfg.Storage.Driver, "memory") {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if h := cfg.HTTP; h != nil {
		for path, raw := range map[string]string{
			"http.read_timeout":  h.ReadTimeout,
			"http.write_timeout": h.WriteTimeout,
			"http.idle_timeout":  h.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if u := cfg.Updates; u != nil {
		if u.BacklogWindow < 0 || u.FailureThreshold < 0 {
			return fmt.Errorf("updates: window and threshold must be >= 0")
		}
		if _, err := ParseDurationField("updates.max_park", u.MaxPark); err != nil {
			return err
		}
	}
	if m := cfg.Mirror; m != nil {
		switch strings.ToLower(strings.TrimSpace(m.TagMode)) {
		case "", "durable", "memory":
		default:
			return fmt.Errorf("mirror.tag_mode: unknown mode %q", m.TagMode)
		}
		if _, err := ParseDurationField("mirror.tag_retention", m.TagRetention); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBridge checks the sections zmirror needs.
func ValidateBridge(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Bus == nil || strings.TrimSpace(cfg.Bus.BaseURL) == "" {
		return fmt.Errorf("bus.base_url is required")
	}
	if strings.TrimSpace(cfg.Bus.Email) == "" || strings.TrimSpace(cfg.Bus.APIKey) == "" {
		return fmt.Errorf("bus.email and bus.api_key are required")
	}
	if _, err := ParseDurationField("bus.timeout", cfg.Bus.Timeout); err != nil {
		return err
	}
	if cfg.Zephyr == nil || strings.TrimSpace(cfg.Zephyr.User) == "" || strings.TrimSpace(cfg.Zephyr.Domain) == "" {
		return fmt.Errorf("zephyr.user and zephyr.domain are required")
	}
	if b := cfg.Bridge; b != nil {
		for path, raw := range map[string]string{
			"bridge.poll_interval":    b.PollInterval,
			"bridge.replay_tolerance": b.ReplayTolerance,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if b.SendRatePerSec < 0 {
			return fmt.Errorf("bridge.send_rate_per_sec must be >= 0")
		}
		switch strings.ToLower(strings.TrimSpace(b.Direction)) {
		case "", "both", "inbound", "outbound":
		default:
			return fmt.Errorf("bridge.direction: unknown direction %q", b.Direction)
		}
	}
	return nil
}

// Timeouts resolves the HTTP durations with defaults.
func (h *HTTPConfig) Timeouts() (read, write, idle time.Duration) {
	if h == nil {
		return 10 * time.Second, 0, 2 * time.Minute
	}
	read, _ = ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	write, _ = ParseDurationField("http.write_timeout", h.WriteTimeout)
	idle, _ = ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute)
	return read, write, idle
}
