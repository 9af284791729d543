package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbus/internal/apiclient"
	"chatbus/internal/bridge"
	"chatbus/internal/config"
	"chatbus/internal/runtime/lifecycle"
	"chatbus/internal/runtime/supervisor"
	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

const defaultRealm = "ATHENA.MIT.EDU"

// Mirror is the bridge process.
type Mirror struct {
	cfgm   *config.ConfigManager
	cfg    *config.Config
	log    logx.Logger
	logs   *logx.Service
	notify lifecycle.Notifier

	bus *apiclient.Client
	zt  zephyr.Transport
	bc  bridge.Config
}

func NewMirror(cfgPath string) (*Mirror, error) {
	cfgm, cfg, err := loadConfig(cfgPath, config.ValidateBridge)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.Component("zmirror"))

	timeout, _ := config.ParseDurationOrDefault("bus.timeout", cfg.Bus.Timeout, 30*time.Second)
	client, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.Bus.BaseURL,
		Email:   cfg.Bus.Email,
		APIKey:  cfg.Bus.APIKey,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	bc, err := mapBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	zc := cfg.Zephyr
	zt := zephyr.NewExec(zephyr.ExecConfig{
		Zwrite:   zc.Zwrite,
		Zctl:     zc.Zctl,
		Receiver: strings.Fields(zc.Receiver),
	}, log.With(logx.Component("zephyr")))

	return &Mirror{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    log,
		logs:   logSvc,
		notify: lifecycle.NewNotifier(log),
		bus:    client,
		zt:     zt,
		bc:     bc,
	}, nil
}

func mapBridgeConfig(cfg *config.Config) (bridge.Config, error) {
	zc := cfg.Zephyr
	realm := strings.TrimSpace(zc.Realm)
	if realm == "" {
		realm = defaultRealm
	}
	bc := bridge.Config{Addressing: bridge.Addressing{Realm: realm, Domain: strings.ToLower(zc.Domain)}}

	me := zc.User + "@" + realm
	if path := strings.TrimSpace(zc.SubsFile); path != "" {
		subs, err := zephyr.LoadSubsFile(path, me)
		if err != nil {
			return bridge.Config{}, fmt.Errorf("zephyr.subs_file: %w", err)
		}
		bc.Subs = subs
	}
	// Personals always reach the mirrored user.
	bc.Subs = append(bc.Subs, zephyr.Sub{Class: "message", Instance: "*", Recipient: me})

	b := cfg.Bridge
	if b == nil {
		return bc, nil
	}
	var err error
	if bc.PollInterval, err = config.ParseDurationOrDefault("bridge.poll_interval", b.PollInterval, bridge.DefaultPollInterval); err != nil {
		return bridge.Config{}, err
	}
	if bc.ReplayTolerance, err = config.ParseDurationOrDefault("bridge.replay_tolerance", b.ReplayTolerance, bridge.DefaultReplayTolerance); err != nil {
		return bridge.Config{}, err
	}
	bc.ResyncSchedule = b.ResyncSchedule
	bc.SendRatePerSec = b.SendRatePerSec
	bc.Direction = bridge.ParseDirection(b.Direction)
	if b.WatchBinary {
		exe, err := os.Executable()
		if err != nil {
			return bridge.Config{}, fmt.Errorf("bridge.watch_binary: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		bc.Executable = exe
	}
	return bc, nil
}

// Run mirrors until ctx ends or a loop stops permanently. The returned
// error wraps lifecycle.ErrStaleBinary when the binary was replaced.
func (m *Mirror) Run(ctx context.Context) error {
	defer func() {
		if m.logs != nil {
			_ = m.logs.Close()
		}
	}()
	var rlog *bridge.ResendLog
	if m.cfg.Bridge != nil {
		var err error
		if rlog, err = bridge.OpenResendLog(m.cfg.Bridge.ResendLog); err != nil {
			return fmt.Errorf("bridge.resend_log: %w", err)
		}
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(true))
	runConfigReload(sup, m.cfgm, m.logs, m.log, nil)

	br := bridge.New(m.bc, m.bus, m.zt, rlog, m.log)
	m.notify.Ready()
	m.notify.Status("mirroring %s", m.bus.Email())
	err := br.Run(sup)
	m.notify.Stopping()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Stop(waitCtx)
	return err
}

// Replay resends a resend log through the bus and returns.
func (m *Mirror) Replay(ctx context.Context, path string) (int, error) {
	defer func() {
		_ = m.zt.Close()
		if m.logs != nil {
			_ = m.logs.Close()
		}
	}()
	return bridge.New(m.bc, m.bus, m.zt, nil, m.log).Replay(ctx, path)
}
