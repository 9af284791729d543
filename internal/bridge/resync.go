package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// resyncLoop subscribes the legacy side to bus streams created since the
// last pass, once at start and then on the configured schedule.
func (b *Bridge) resyncLoop(ctx context.Context) error {
	sched, err := scheduleParser.Parse(b.cfg.ResyncSchedule)
	if err != nil {
		return fmt.Errorf("resync schedule %q: %w", b.cfg.ResyncSchedule, err)
	}
	b.resync(ctx)

	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() { b.resync(ctx) }))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (b *Bridge) resync(ctx context.Context) {
	streams, err := b.bus.Streams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("resync: list streams failed", logx.Err(err))
		}
		return
	}
	var add []zephyr.Sub
	b.mu.Lock()
	for _, name := range streams {
		s := zephyr.Sub{Class: strings.ToLower(name), Instance: "*"}
		if !b.subscribed[s] {
			add = append(add, s)
		}
	}
	b.mu.Unlock()
	if len(add) == 0 {
		return
	}
	if err := b.zt.Subscribe(ctx, add); err != nil {
		b.log.Warn("resync: subscribe failed", logx.Int("subs", len(add)), logx.Err(err))
		return
	}
	b.mu.Lock()
	for _, s := range add {
		b.subscribed[s] = true
	}
	b.mu.Unlock()
	b.log.Info("resync: subscribed to new streams", logx.Int("added", len(add)))
}
