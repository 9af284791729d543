package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatbus/internal/model"
	logx "chatbus/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustUser(t *testing.T, st Store, realmID int64, email string) model.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), model.User{RealmID: realmID, Email: email})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func TestUsersAndPointer(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	realm, err := st.EnsureRealm(ctx, "Example.com")
	if err != nil {
		t.Fatalf("realm: %v", err)
	}
	if realm.Domain != "example.com" {
		t.Fatalf("domain = %q", realm.Domain)
	}
	again, _ := st.EnsureRealm(ctx, "example.com")
	if again.ID != realm.ID {
		t.Fatalf("EnsureRealm not idempotent")
	}

	u := mustUser(t, st, realm.ID, "alice@example.com")
	if u.Pointer != model.NoPointer || u.ShortName != "alice" || u.APIKey == "" {
		t.Fatalf("unexpected defaults: %+v", u)
	}
	if _, err := st.CreateUser(ctx, model.User{RealmID: realm.ID, Email: "ALICE@example.com"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email err = %v", err)
	}
	byEmail, err := st.UserByEmail(ctx, "Alice@Example.com")
	if err != nil || byEmail.ID != u.ID {
		t.Fatalf("lookup by email: %+v %v", byEmail, err)
	}
	if _, err := st.UserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err = %v", err)
	}

	ok, err := st.AdvancePointer(ctx, u.ID, 10)
	if err != nil || !ok {
		t.Fatalf("advance: %v %v", ok, err)
	}
	ok, err = st.AdvancePointer(ctx, u.ID, 5)
	if err != nil || ok {
		t.Fatalf("backward move accepted: %v %v", ok, err)
	}
	got, _ := st.UserByID(ctx, u.ID)
	if got.Pointer != 10 {
		t.Fatalf("pointer = %d, want 10", got.Pointer)
	}
}

func TestHuddleIsIdempotentAndSubscribesMembers(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	realm, _ := st.EnsureRealm(ctx, "example.com")
	a := mustUser(t, st, realm.ID, "a@example.com")
	b := mustUser(t, st, realm.ID, "b@example.com")
	c := mustUser(t, st, realm.ID, "c@example.com")

	h1, r1, err := st.EnsureHuddle(ctx, []int64{c.ID, a.ID, b.ID})
	if err != nil {
		t.Fatalf("huddle: %v", err)
	}
	h2, r2, err := st.EnsureHuddle(ctx, []int64{b.ID, c.ID, a.ID})
	if err != nil {
		t.Fatalf("huddle again: %v", err)
	}
	if h1.ID != h2.ID || r1.ID != r2.ID {
		t.Fatalf("huddle not stable: %v/%v %v/%v", h1, h2, r1, r2)
	}
	subs, err := st.ActiveSubscribers(ctx, r1.ID)
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("subscribers = %v", subs)
	}
	if _, _, err := st.EnsureHuddle(ctx, []int64{a.ID, a.ID}); err == nil {
		t.Fatalf("expected error for single-member huddle")
	}
}

func TestInsertMessageWritesDeliveryRecordsAtomically(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	realm, _ := st.EnsureRealm(ctx, "example.com")
	a := mustUser(t, st, realm.ID, "a@example.com")
	b := mustUser(t, st, realm.ID, "b@example.com")
	stream, created, err := st.EnsureStream(ctx, realm.ID, "general")
	if err != nil || !created {
		t.Fatalf("stream: %v %v", created, err)
	}
	rcpt, err := st.EnsureRecipient(ctx, model.StreamTarget{StreamID: stream.ID})
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}

	at := time.Unix(1700000000, 0)
	m := model.Message{SenderID: a.ID, RecipientID: rcpt.ID, Subject: "hi", Content: "hello", SentAt: at}
	id1, inserted, err := st.InsertMessage(ctx, m, []int64{a.ID, b.ID, b.ID}, false)
	if err != nil || !inserted {
		t.Fatalf("insert: %v %v", inserted, err)
	}
	n, _ := st.DeliveryCount(ctx, id1)
	if n != 2 {
		t.Fatalf("delivery count = %d, want 2", n)
	}

	dup, inserted, err := st.InsertMessage(ctx, m, []int64{a.ID, b.ID}, true)
	if err != nil || inserted || dup != id1 {
		t.Fatalf("dedup: id=%d inserted=%v err=%v", dup, inserted, err)
	}

	m2 := m
	m2.Content = "second"
	id2, _, err := st.InsertMessage(ctx, m2, []int64{b.ID}, true)
	if err != nil || id2 <= id1 {
		t.Fatalf("second insert: %d %v", id2, err)
	}

	msgs, err := st.UserMessages(ctx, MessageQuery{UserID: b.ID, AfterID: 0})
	if err != nil || len(msgs) != 2 || msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Fatalf("b messages = %+v %v", msgs, err)
	}
	if !msgs[0].SentAt.Equal(at) {
		t.Fatalf("sent_at = %v", msgs[0].SentAt)
	}
	msgs, _ = st.UserMessages(ctx, MessageQuery{UserID: a.ID, AfterID: id1})
	if len(msgs) != 0 {
		t.Fatalf("a should not see message %d", id2)
	}
	msgs, _ = st.UserMessages(ctx, MessageQuery{UserID: b.ID, BeforeID: id2, Descending: true, Limit: 1})
	if len(msgs) != 1 || msgs[0].ID != id1 {
		t.Fatalf("descending window = %+v", msgs)
	}
	maxID, _ := st.MaxMessageID(ctx)
	if maxID != id2 {
		t.Fatalf("max id = %d", maxID)
	}
}

func TestSubscriptionsSoftDelete(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	realm, _ := st.EnsureRealm(ctx, "example.com")
	a := mustUser(t, st, realm.ID, "a@example.com")
	stream, _, _ := st.EnsureStream(ctx, realm.ID, "social")
	rcpt, _ := st.EnsureRecipient(ctx, model.StreamTarget{StreamID: stream.ID})

	if _, err := st.Subscription(ctx, a.ID, rcpt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	sub, err := st.SetSubscription(ctx, a.ID, rcpt.ID, true)
	if err != nil || !sub.Active {
		t.Fatalf("subscribe: %+v %v", sub, err)
	}
	streams, _ := st.SubscribedStreams(ctx, a.ID)
	if len(streams) != 1 || streams[0].Name != "social" {
		t.Fatalf("streams = %+v", streams)
	}
	off, err := st.SetSubscription(ctx, a.ID, rcpt.ID, false)
	if err != nil || off.Active || off.ID != sub.ID {
		t.Fatalf("unsubscribe: %+v %v", off, err)
	}
	subs, _ := st.ActiveSubscribers(ctx, rcpt.ID)
	if len(subs) != 0 {
		t.Fatalf("inactive subscription still resolved: %v", subs)
	}
}
