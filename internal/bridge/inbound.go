package bridge

import (
	"context"
	"errors"
	"strings"

	"chatbus/internal/apiclient"
	"chatbus/internal/buserr"
	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

const sendAttempts = 3

// inboundLoop drains legacy notices into the bus. A bad notice is logged
// and skipped; a receive failure returns so the supervisor backs off.
func (b *Bridge) inboundLoop(ctx context.Context) error {
	log := b.log.With(logx.String("dir", "inbound"))
	log.Debug("inbound loop started")
	defer log.Debug("inbound loop stopped")
	for {
		n, err := b.zt.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, zephyr.ErrClosed) {
				return nil
			}
			if buserr.KindOf(err) == buserr.KindProtocolDrift {
				log.Warn("unreadable notice", logx.Err(err))
				continue
			}
			return err
		}
		if err := b.relayInbound(ctx, n); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("notice not relayed",
				logx.String("class", n.Class),
				logx.String("instance", n.Instance),
				logx.String("sender", n.Sender),
				logx.Err(err))
		}
	}
}

func (b *Bridge) relayInbound(ctx context.Context, n zephyr.Notice) error {
	if strings.EqualFold(n.Opcode, "ping") {
		return nil
	}
	if b.sent.take(n) {
		b.log.Debug("dropping echo of outbound notice", logx.String("class", n.Class), logx.String("instance", n.Instance))
		return nil
	}
	if n.Time.IsZero() {
		n.Time = b.now()
	}
	req, err := b.cfg.Inbound(n)
	if err != nil {
		return err
	}
	mark, err := b.rlog.Append(n)
	if err != nil {
		b.log.Warn("resend log append failed", logx.Err(err))
	}
	id, err := b.sendWithRetry(ctx, req)
	if err != nil {
		return err
	}
	if err := b.rlog.Done(mark); err != nil {
		b.log.Warn("resend log trim failed", logx.Err(err))
	}
	b.log.Debug("relayed notice", logx.MessageID(id), logx.String("to", req.To), logx.String("type", req.Type))
	return nil
}

// sendWithRetry retries transient failures a few times before giving up on
// the message. Forged sends are idempotent on the bus, so a retry after an
// ambiguous failure cannot duplicate.
func (b *Bridge) sendWithRetry(ctx context.Context, req apiclient.SendRequest) (int64, error) {
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		var id int64
		id, err = b.bus.Send(ctx, req)
		if err == nil {
			return id, nil
		}
		if !buserr.IsTransient(err) {
			return 0, err
		}
		if attempt < sendAttempts && !sleep(ctx, b.cfg.PollInterval*2) {
			return 0, ctx.Err()
		}
	}
	return 0, err
}

// Replay resends every notice in a resend log and reports how many were sent.
func (b *Bridge) Replay(ctx context.Context, path string) (int, error) {
	sent, bad, err := ReadResendLog(ctx, path, b.log, func(n zephyr.Notice) error {
		req, err := b.cfg.Inbound(n)
		if err != nil {
			b.log.Warn("replay: skipping notice", logx.Err(err))
			return nil
		}
		_, err = b.sendWithRetry(ctx, req)
		if buserr.IsValidation(err) {
			b.log.Warn("replay: bus rejected notice", logx.Err(err))
			return nil
		}
		return err
	})
	b.log.Info("replay finished", logx.Int("sent", sent), logx.Int("bad_lines", bad))
	return sent, err
}
