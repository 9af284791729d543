package bridge

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"chatbus/internal/apiclient"
	"chatbus/internal/buserr"
	logx "chatbus/pkg/logx"
)

// outboundState survives loop restarts so a failed send is retried from
// the same cursor. partialID/partialNext record how far a multi-notice
// message got, so a retry skips the notices already delivered.
type outboundState struct {
	first, last int64
	generation  int64
	failures    int
	limiter     *rate.Limiter

	partialID   int64
	partialNext int
}

func (b *Bridge) outboundLoop(ctx context.Context) error {
	log := b.log.With(logx.String("dir", "outbound"))
	st := &b.out
	if st.limiter == nil {
		st.first, st.last = -1, -1
		burst := max(1, int(b.cfg.SendRatePerSec))
		st.limiter = rate.NewLimiter(rate.Limit(b.cfg.SendRatePerSec), burst)
	}
	log.Debug("outbound loop started", logx.Int64("last", st.last))
	defer log.Debug("outbound loop stopped")

	for ctx.Err() == nil {
		resp, err := b.bus.Updates(ctx, apiclient.UpdatesRequest{
			First:            st.first,
			Last:             st.last,
			Failures:         st.failures,
			ServerGeneration: st.generation,
			MirrorSyncBot:    true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch buserr.KindOf(err) {
			case buserr.KindTransient, buserr.KindProtocolDrift:
				st.failures++
				log.Warn("updates failed", logx.Int("failures", st.failures), logx.Err(err))
				if !sleep(ctx, b.cfg.PollInterval*2) {
					return nil
				}
				continue
			default:
				return err
			}
		}
		st.failures = 0
		if st.generation != 0 && resp.ServerGeneration != st.generation {
			log.Info("bus restarted", logx.Int64("generation", resp.ServerGeneration))
		}
		st.generation = resp.ServerGeneration

		for _, m := range resp.Messages {
			if resp.Where == "top" {
				if st.first < 0 || m.ID < st.first {
					st.first = m.ID
				}
				continue
			}
			if err := b.relayOutbound(ctx, m); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if buserr.IsTransient(err) {
					// Keep the cursor before m so it is retried.
					return err
				}
				log.Warn("message not mirrored", logx.MessageID(m.ID), logx.Err(err))
			}
			if m.ID > st.last {
				st.last = m.ID
			}
			if st.first < 0 {
				st.first = m.ID
			}
		}
		if len(resp.Messages) == 0 && !sleep(ctx, b.cfg.PollInterval) {
			return nil
		}
	}
	return nil
}

// relayOutbound re-emits one of the mirrored user's own messages.
func (b *Bridge) relayOutbound(ctx context.Context, m apiclient.Message) error {
	if !strings.EqualFold(m.SenderEmail, b.bus.Email()) || m.Client == MirrorClient {
		return nil
	}
	resuming := b.out.partialID == m.ID
	if age := b.now().Sub(m.SentAt()); age > b.cfg.ReplayTolerance && !resuming {
		b.log.Debug("dropping stale message", logx.MessageID(m.ID), logx.Duration("age", age))
		return nil
	}
	notices, err := b.cfg.Outbound(m)
	if err != nil {
		return err
	}
	st := &b.out
	start := 0
	if resuming {
		start = st.partialNext
	}
	for i := start; i < len(notices); i++ {
		n := notices[i]
		if err := st.limiter.Wait(ctx); err != nil {
			st.partialID, st.partialNext = m.ID, i
			return err
		}
		b.sent.add(n)
		if err := b.zt.Send(ctx, n); err != nil {
			// No echo will come for a failed send.
			b.sent.take(n)
			st.partialID, st.partialNext = m.ID, i
			return buserr.Transient("legacy send", err)
		}
	}
	st.partialID, st.partialNext = 0, 0
	b.log.Debug("mirrored message", logx.MessageID(m.ID), logx.Int("notices", len(notices)-start))
	return nil
}
