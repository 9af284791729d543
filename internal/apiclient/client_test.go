package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatbus/internal/buserr"
	"chatbus/internal/directory"
	"chatbus/internal/fanout"
	"chatbus/internal/httpapi"
	"chatbus/internal/mirrortag"
	"chatbus/internal/model"
	"chatbus/internal/storage"
	"chatbus/internal/subs"
	"chatbus/internal/updates"
	logx "chatbus/pkg/logx"
)

func newBus(t *testing.T) (*httptest.Server, map[string]model.User) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	realm, _ := st.EnsureRealm(ctx, "mit.edu")
	users := map[string]model.User{}
	for _, e := range []string{"starnine@mit.edu", "other@mit.edu"} {
		u, err := st.CreateUser(ctx, model.User{RealmID: realm.ID, Email: e})
		if err != nil {
			t.Fatalf("user: %v", err)
		}
		users[e] = u
	}
	tags := mirrortag.New("durable", time.Hour)
	reg := fanout.NewRegistry()
	api := httpapi.New(httpapi.Deps{
		Store:            st,
		Engine:           fanout.NewEngine(st, directory.New(st), reg, tags, nil, logx.Nop()),
		Updates:          updates.New(updates.Config{MaxPark: 100 * time.Millisecond}, st, reg, tags, nil, logx.Nop()),
		Subs:             subs.New(st, nil, logx.Nop()),
		SuperUsers:       []string{"starnine@mit.edu"},
		AutoCreateRealms: []string{"mit.edu"},
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, users
}

func clientFor(t *testing.T, srv *httptest.Server, u model.User) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: srv.URL, Email: u.Email, APIKey: u.APIKey})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestClientRoundTrip(t *testing.T) {
	srv, users := newBus(t)
	ctx := context.Background()
	me := clientFor(t, srv, users["starnine@mit.edu"])
	other := clientFor(t, srv, users["other@mit.edu"])

	added, err := me.AddSubscriptions(ctx, []string{"help", "sipb"})
	if err != nil || len(added) != 2 {
		t.Fatalf("add = %v err = %v", added, err)
	}
	if subs, _ := me.Subscriptions(ctx); len(subs) != 2 {
		t.Fatalf("subscriptions = %v", subs)
	}

	id, err := other.Send(ctx, SendRequest{Type: "stream", To: "help", Subject: "printer", Content: "jammed"})
	if err != nil || id <= 0 {
		t.Fatalf("send = %d err = %v", id, err)
	}
	resp, err := me.Updates(ctx, UpdatesRequest{First: -1, Last: -1})
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].StreamName() != "help" || resp.Where != "bottom" {
		t.Fatalf("updates = %+v", resp)
	}

	pid, err := other.Send(ctx, SendRequest{Type: "personal", To: "starnine@mit.edu", Content: "psst"})
	if err != nil {
		t.Fatalf("personal: %v", err)
	}
	resp, err = me.Updates(ctx, UpdatesRequest{First: id, Last: id, ServerGeneration: resp.ServerGeneration})
	if err != nil || len(resp.Messages) != 1 || resp.Messages[0].ID != pid {
		t.Fatalf("updates = %+v err = %v", resp, err)
	}
	if rs := resp.Messages[0].Recipients(); len(rs) != 2 {
		t.Fatalf("recipients = %+v", rs)
	}

	streams, err := other.Streams(ctx)
	if err != nil || len(streams) != 2 {
		t.Fatalf("streams = %v err = %v", streams, err)
	}
}

func TestClientErrors(t *testing.T) {
	srv, users := newBus(t)
	ctx := context.Background()
	other := clientFor(t, srv, users["other@mit.edu"])

	_, err := other.Send(ctx, SendRequest{Type: "stream", To: "help", Content: "x", Forged: true, Sender: "starnine@mit.edu"})
	if !buserr.IsValidation(err) {
		t.Fatalf("forging without rights: %v", err)
	}

	bad := clientFor(t, srv, model.User{Email: "other@mit.edu", APIKey: "nope"})
	if _, err := bad.Streams(ctx); !buserr.IsValidation(err) {
		t.Fatalf("bad key: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	c := clientFor(t, down, users["other@mit.edu"])
	if _, err := c.Streams(ctx); !buserr.IsTransient(err) {
		t.Fatalf("502: %v", err)
	}

	if _, err := New(Config{BaseURL: "not a url"}); err == nil {
		t.Fatalf("invalid base url accepted")
	}
}
