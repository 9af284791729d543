// Package subs adds, removes and lists stream subscriptions by name.
package subs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatbus/internal/buserr"
	"chatbus/internal/eventbus"
	"chatbus/internal/model"
	"chatbus/internal/storage"
	logx "chatbus/pkg/logx"
)

const MaxStreamNameLength = 60

var ErrNotSubscribed = errors.New("subs: not subscribed")

// Store is the slice of storage.Store the manager uses.
type Store interface {
	EnsureStream(ctx context.Context, realmID int64, name string) (model.Stream, bool, error)
	StreamByName(ctx context.Context, realmID int64, name string) (model.Stream, error)
	ListStreams(ctx context.Context, realmID int64) ([]model.Stream, error)
	EnsureRecipient(ctx context.Context, t model.Target) (model.Recipient, error)
	RecipientFor(ctx context.Context, t model.Target) (model.Recipient, error)
	Subscription(ctx context.Context, userID, recipientID int64) (model.Subscription, error)
	SetSubscription(ctx context.Context, userID, recipientID int64, active bool) (model.Subscription, error)
	SubscribedStreams(ctx context.Context, userID int64) ([]model.Stream, error)
}

// AddResult reports, per requested name, whether the call subscribed the user
// or found an existing active subscription.
type AddResult struct {
	Subscribed        []string `json:"subscribed"`
	AlreadySubscribed []string `json:"already_subscribed"`
}

// Change is published on the event bus after every add or remove.
type Change struct {
	UserID  int64
	Streams []string
	Active  bool
}

type Manager struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, bus: bus, log: log}
}

// ValidStreamName normalizes name or returns a validation error.
func ValidStreamName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", buserr.Validation("Stream name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxStreamNameLength {
		return "", buserr.Validation("Stream name %q too long", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", buserr.Validation("Invalid characters in stream name %q", name)
		}
	}
	return name, nil
}

func validNames(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, buserr.Validation("Missing streams")
	}
	out := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		v, err := ValidStreamName(n)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}

// Add subscribes u to each named stream, creating streams on first reference.
// Already-active subscriptions are reported, not treated as errors.
func (m *Manager) Add(ctx context.Context, u model.User, names []string) (AddResult, error) {
	names, err := validNames(names)
	if err != nil {
		return AddResult{}, err
	}
	res := AddResult{Subscribed: []string{}, AlreadySubscribed: []string{}}
	for _, name := range names {
		st, created, err := m.store.EnsureStream(ctx, u.RealmID, name)
		if err != nil {
			return res, buserr.Transient("ensure stream", err)
		}
		if created {
			m.log.Info("stream created", logx.String("stream", st.Name), logx.Int64("realm", u.RealmID))
		}
		rcpt, err := m.store.EnsureRecipient(ctx, model.StreamTarget{StreamID: st.ID})
		if err != nil {
			return res, buserr.Transient("ensure recipient", err)
		}
		sub, err := m.store.Subscription(ctx, u.ID, rcpt.ID)
		switch {
		case err == nil && sub.Active:
			res.AlreadySubscribed = append(res.AlreadySubscribed, st.Name)
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return res, buserr.Transient("load subscription", err)
		}
		if _, err := m.store.SetSubscription(ctx, u.ID, rcpt.ID, true); err != nil {
			return res, buserr.Transient("subscribe", err)
		}
		res.Subscribed = append(res.Subscribed, st.Name)
	}
	if len(res.Subscribed) > 0 {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionChanged, Data: Change{UserID: u.ID, Streams: res.Subscribed, Active: true}})
	}
	return res, nil
}

// Remove deactivates u's subscription to each named stream. If any name is
// not an active subscription nothing is modified.
func (m *Manager) Remove(ctx context.Context, u model.User, names []string) ([]string, error) {
	names, err := validNames(names)
	if err != nil {
		return nil, err
	}
	rcptIDs := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := m.activeRecipient(ctx, u, name)
		if err != nil {
			return nil, err
		}
		rcptIDs = append(rcptIDs, id)
	}
	for _, id := range rcptIDs {
		if _, err := m.store.SetSubscription(ctx, u.ID, id, false); err != nil {
			return nil, buserr.Transient("unsubscribe", err)
		}
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionChanged, Data: Change{UserID: u.ID, Streams: names, Active: false}})
	return names, nil
}

func (m *Manager) activeRecipient(ctx context.Context, u model.User, name string) (int64, error) {
	notSubscribed := &buserr.Error{
		Kind: buserr.KindValidation,
		Msg:  fmt.Sprintf("Not subscribed to stream %s", name),
		Err:  ErrNotSubscribed,
	}
	st, err := m.store.StreamByName(ctx, u.RealmID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, notSubscribed
	}
	if err != nil {
		return 0, buserr.Transient("load stream", err)
	}
	rcpt, err := m.store.RecipientFor(ctx, model.StreamTarget{StreamID: st.ID})
	if errors.Is(err, storage.ErrNotFound) {
		return 0, notSubscribed
	}
	if err != nil {
		return 0, buserr.Transient("load recipient", err)
	}
	sub, err := m.store.Subscription(ctx, u.ID, rcpt.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !sub.Active) {
		return 0, notSubscribed
	}
	if err != nil {
		return 0, buserr.Transient("load subscription", err)
	}
	return rcpt.ID, nil
}

// List returns the streams u is actively subscribed to, ordered by name.
func (m *Manager) List(ctx context.Context, u model.User) ([]model.Stream, error) {
	out, err := m.store.SubscribedStreams(ctx, u.ID)
	if err != nil {
		return nil, buserr.Transient("list subscriptions", err)
	}
	return out, nil
}

// Streams returns every stream of u's realm.
func (m *Manager) Streams(ctx context.Context, u model.User) ([]model.Stream, error) {
	out, err := m.store.ListStreams(ctx, u.RealmID)
	if err != nil {
		return nil, buserr.Transient("list streams", err)
	}
	return out, nil
}
