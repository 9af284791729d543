// Package fanout writes new messages and delivers them: one delivery record
// per resolved recipient inside the message transaction, then a synchronous
// wake of every long-poll callback parked for those recipients.
package fanout

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"chatbus/internal/buserr"
	"chatbus/internal/eventbus"
	"chatbus/internal/mirrortag"
	"chatbus/internal/model"
	logx "chatbus/pkg/logx"
)

const (
	MaxContentLength = 10000
	MaxSubjectLength = 60
)

// Store is the slice of storage.Store the engine writes through.
type Store interface {
	InsertMessage(ctx context.Context, m model.Message, userIDs []int64, dedup bool) (int64, bool, error)
}

// Resolver maps a recipient to its subscriber ids.
type Resolver interface {
	Resolve(ctx context.Context, senderID int64, r model.Recipient) ([]int64, error)
}

// Published describes a committed message.
type Published struct {
	Message    model.Message
	Recipients []int64
	// Duplicate is set when a forged replay matched an existing message.
	Duplicate bool
}

type Engine struct {
	store    Store
	dir      Resolver
	registry *Registry
	tags     mirrortag.Guard
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func NewEngine(store Store, dir Resolver, registry *Registry, tags mirrortag.Guard, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{store: store, dir: dir, registry: registry, tags: tags, bus: bus, log: log, now: time.Now}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Publish stores d, creates every delivery record atomically and wakes the
// parked callbacks of each recipient. A failure before commit leaves nothing
// behind; the caller may retry.
func (e *Engine) Publish(ctx context.Context, d model.Draft) (Published, error) {
	m, err := e.validate(d)
	if err != nil {
		return Published{}, err
	}

	userIDs, err := e.dir.Resolve(ctx, d.SenderID, d.Recipient)
	if err != nil {
		return Published{}, err
	}

	id, inserted, err := e.store.InsertMessage(ctx, m, userIDs, d.Forged)
	if err != nil {
		return Published{}, buserr.Transient("store message", err)
	}
	m.ID = id
	if !inserted {
		e.log.Debug("forged message matched existing row", logx.MessageID(id), logx.Int64("sender", d.SenderID))
		return Published{Message: m, Recipients: userIDs, Duplicate: true}, nil
	}
	if m.Mirrored && e.tags != nil {
		e.tags.Tag(id)
	}

	woken := 0
	batch := []model.Message{m}
	for _, uid := range userIDs {
		woken += e.registry.Deliver(uid, batch)
	}

	e.log.Debug("message published",
		logx.MessageID(id),
		logx.String("recipient", d.Recipient.String()),
		logx.Int("delivered", len(userIDs)),
		logx.Int("woken", woken),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeMessagePublished, Data: id})
	return Published{Message: m, Recipients: userIDs}, nil
}

func (e *Engine) validate(d model.Draft) (model.Message, error) {
	if d.SenderID == 0 {
		return model.Message{}, buserr.Validation("Missing sender")
	}
	if d.Recipient.ID == 0 || d.Recipient.Target == nil {
		return model.Message{}, buserr.Validation("Missing recipient")
	}
	content := strings.TrimRight(d.Content, " \t\r\n")
	if strings.TrimSpace(content) == "" {
		return model.Message{}, buserr.Validation("Message must not be empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return model.Message{}, buserr.Validation("Message too long")
	}
	subject := strings.TrimSpace(d.Subject)
	if utf8.RuneCountInString(subject) > MaxSubjectLength {
		subject = string([]rune(subject)[:MaxSubjectLength])
	}
	at := d.SentAt
	if at.IsZero() || !d.Forged {
		at = e.now()
	}
	return model.Message{
		SenderID:      d.SenderID,
		RecipientID:   d.Recipient.ID,
		Subject:       subject,
		Content:       content,
		SentAt:        at,
		SendingClient: d.SendingClient,
		Mirrored:      d.Mirrored,
	}, nil
}
