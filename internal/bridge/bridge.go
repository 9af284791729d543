// Package bridge mirrors messages between the bus and a legacy notice
// protocol. The inbound direction drains notices into forged bus sends;
// the outbound direction long-polls the mirrored user's own messages and
// re-emits them as notices. Both run as supervised goroutines of one
// process and share no state besides the bus and the sent-notice guard.
package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatbus/internal/apiclient"
	"chatbus/internal/runtime/supervisor"
	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

const (
	DefaultPollInterval    = time.Second
	DefaultResyncSchedule  = "@every 30s"
	DefaultReplayTolerance = 15 * time.Second
	DefaultSendRate        = 5.0
	echoWindow             = time.Minute
)

// Bus is the subset of the bus API the bridge uses.
type Bus interface {
	Email() string
	Send(ctx context.Context, r apiclient.SendRequest) (int64, error)
	Updates(ctx context.Context, r apiclient.UpdatesRequest) (apiclient.UpdatesResponse, error)
	AddSubscriptions(ctx context.Context, streams []string) ([]string, error)
	Streams(ctx context.Context) ([]string, error)
}

type Direction string

const (
	Both     Direction = ""
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound":
		return Inbound
	case "outbound":
		return Outbound
	}
	return Both
}

type Config struct {
	Addressing
	// Subs is the legacy subscription set from the subs file.
	Subs            []zephyr.Sub
	PollInterval    time.Duration
	ResyncSchedule  string
	ReplayTolerance time.Duration
	SendRatePerSec  float64
	Direction       Direction
	// Executable is watched for replacement; empty disables the watch.
	Executable string
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if strings.TrimSpace(c.ResyncSchedule) == "" {
		c.ResyncSchedule = DefaultResyncSchedule
	}
	if c.ReplayTolerance <= 0 {
		c.ReplayTolerance = DefaultReplayTolerance
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = DefaultSendRate
	}
}

type Bridge struct {
	cfg  Config
	bus  Bus
	zt   zephyr.Transport
	rlog *ResendLog
	sent *sentNotices
	log  logx.Logger
	now  func() time.Time

	out outboundState

	mu sync.Mutex
	// legacy subscriptions added by the bridge, removed on shutdown.
	subscribed map[zephyr.Sub]bool
}

func New(cfg Config, bus Bus, zt zephyr.Transport, rlog *ResendLog, log logx.Logger) *Bridge {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		cfg:        cfg,
		bus:        bus,
		zt:         zt,
		rlog:       rlog,
		sent:       newSentNotices(echoWindow),
		log:        log.With(logx.Component("bridge")),
		now:        time.Now,
		subscribed: map[zephyr.Sub]bool{},
	}
}

// Run subscribes both sides and runs the mirror loops on sup until its
// context ends. It returns the supervisor error, which is a stale-binary
// error when the executable was replaced.
func (b *Bridge) Run(sup *supervisor.Supervisor) error {
	ctx := sup.Context()
	if err := b.start(ctx); err != nil {
		return err
	}

	backoff := supervisor.WithRestartBackoff(2*time.Second, 10*time.Second)
	if b.cfg.Direction != Outbound {
		sup.GoRestart("bridge.inbound", b.inboundLoop, backoff)
		sup.GoRestart("bridge.resync", b.resyncLoop, backoff)
	}
	if b.cfg.Direction != Inbound {
		sup.GoRestart("bridge.outbound", b.outboundLoop, backoff)
	}
	if b.cfg.Executable != "" {
		sup.GoRestart("bridge.binary_watch", b.watchBinary, backoff)
	}
	b.log.Info("bridge started",
		logx.String("direction", string(b.cfg.Direction)),
		logx.String("bus_user", b.bus.Email()),
		logx.Int("subs", len(b.cfg.Subs)))

	<-ctx.Done()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sup.Wait(waitCtx)
	b.shutdown(waitCtx)

	err := sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// start subscribes the legacy side to the subs file and the bus side to
// every class in it.
func (b *Bridge) start(ctx context.Context) error {
	if b.cfg.Direction != Outbound && len(b.cfg.Subs) > 0 {
		if err := b.zt.Subscribe(ctx, b.cfg.Subs); err != nil {
			return err
		}
		b.mu.Lock()
		for _, s := range b.cfg.Subs {
			b.subscribed[s] = true
		}
		b.mu.Unlock()
	}
	var classes []string
	for _, c := range zephyr.Classes(b.cfg.Subs) {
		// class=message notices land on per-instance streams.
		if !strings.EqualFold(c, classMessage) {
			classes = append(classes, c)
		}
	}
	if len(classes) > 0 {
		added, err := b.bus.AddSubscriptions(ctx, classes)
		if err != nil {
			b.log.Warn("bus auto-subscribe failed", logx.Err(err))
		} else {
			b.log.Info("bus auto-subscribe", logx.Strings("subscribed", added), logx.Int("classes", len(classes)))
		}
	}
	return nil
}

func (b *Bridge) shutdown(ctx context.Context) {
	b.mu.Lock()
	subs := make([]zephyr.Sub, 0, len(b.subscribed))
	for s := range b.subscribed {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	if len(subs) > 0 {
		if err := b.zt.Unsubscribe(ctx, subs); err != nil {
			b.log.Warn("legacy unsubscribe failed", logx.Err(err))
		}
	}
	if err := b.zt.Close(); err != nil {
		b.log.Debug("transport close", logx.Err(err))
	}
	if err := b.rlog.Close(); err != nil {
		b.log.Warn("resend log close", logx.Err(err))
	}
	b.log.Info("bridge stopped", logx.Int("unsubscribed", len(subs)))
}

// sleep waits d or until ctx ends; it reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
