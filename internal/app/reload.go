package app

import (
	"context"
	"fmt"
	"strings"

	"chatbus/internal/config"
	"chatbus/internal/runtime/supervisor"
	logx "chatbus/pkg/logx"
)

// loadConfig reads path, validates it and returns a manager that rejects
// invalid hot reloads with the same check.
func loadConfig(path string, validate func(*config.Config) error) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })
	return cfgm, cfg, nil
}

// runConfigReload watches the config file and applies the live-reloadable
// sections: logging always, the rest through apply.
func runConfigReload(sup *supervisor.Supervisor, cfgm *config.ConfigManager, logs *logx.Service, log logx.Logger, apply func(*config.Config)) {
	cfgm.SetLogger(log.With(logx.Component("config")))
	sub := cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer cfgm.Unsubscribe(sub)
		lastApplied := cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Keep only the latest of a burst.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}

				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					log.Info("config reloaded (no changes)")
					continue
				}
				if config.RestartRequired(sections) {
					log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
				}
				if logs != nil {
					logs.Apply(mapLogging(newCfg.Logging))
				}
				if apply != nil {
					apply(newCfg)
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				log.Info("config reloaded", fields...)
			}
		}
	})
	sup.Go("config.watch", cfgm.Watch)
}
