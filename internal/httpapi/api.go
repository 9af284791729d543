// Package httpapi is the JSON-over-HTTP boundary of the bus: publishing,
// long-poll updates, subscriptions, streams and the read pointer.
package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"chatbus/internal/buserr"
	"chatbus/internal/fanout"
	"chatbus/internal/model"
	"chatbus/internal/storage"
	"chatbus/internal/subs"
	"chatbus/internal/updates"
	logx "chatbus/pkg/logx"
)

type Deps struct {
	Store   storage.Store
	Engine  *fanout.Engine
	Updates *updates.Service
	Subs    *subs.Manager
	// SuperUsers may send forged messages.
	SuperUsers []string
	// AutoCreateRealms lists email domains whose unknown users are created
	// when a forged send references them.
	AutoCreateRealms []string
	// Health returns extra fields for /healthz.
	Health func() gin.H
	Log    logx.Logger
}

type API struct {
	store   storage.Store
	engine  *fanout.Engine
	updates *updates.Service
	subs    *subs.Manager
	health  func() gin.H
	log     logx.Logger

	superUsers  atomic.Pointer[map[string]bool]
	autoCreates map[string]bool
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &API{
		store:       d.Store,
		engine:      d.Engine,
		updates:     d.Updates,
		subs:        d.Subs,
		health:      d.Health,
		log:         d.Log,
		autoCreates: lowerSet(d.AutoCreateRealms),
	}
	a.SetSuperUsers(d.SuperUsers)
	return a
}

func lowerSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

// SetSuperUsers replaces the forging allowlist; safe during hot reload.
func (a *API) SetSuperUsers(emails []string) {
	m := lowerSet(emails)
	a.superUsers.Store(&m)
}

func (a *API) isSuperUser(email string) bool {
	m := a.superUsers.Load()
	return m != nil && (*m)[strings.ToLower(email)]
}

// Router builds the gin engine.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLog())
	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1", a.authenticate())
	v1.POST("/messages", a.handleSend)
	v1.POST("/messages/updates", a.handleUpdates)
	v1.GET("/subscriptions", a.handleListSubscriptions)
	v1.POST("/subscriptions/add", a.handleAddSubscriptions)
	v1.POST("/subscriptions/remove", a.handleRemoveSubscriptions)
	v1.GET("/streams", a.handleStreams)
	v1.GET("/pointer", a.handleGetPointer)
	v1.POST("/pointer", a.handleSetPointer)
	return r
}

func (a *API) handleHealth(c *gin.Context) {
	body := gin.H{"msg": "ok"}
	if a.engine != nil {
		body["parked"] = a.engine.Registry().Parked()
	}
	if a.health != nil {
		for k, v := range a.health() {
			body[k] = v
		}
	}
	success(c, body)
}

type sendRequest struct {
	Type      string `form:"type" json:"type"`
	To        string `form:"to" json:"to"`
	Recipient string `form:"recipient" json:"recipient"`
	Stream    string `form:"stream" json:"stream"`
	Subject   string `form:"subject" json:"subject"`
	Content   string `form:"content" json:"content"`
	Client    string `form:"client" json:"client"`
	Forged    bool   `form:"forged" json:"forged"`
	Time      int64  `form:"time" json:"time"`
	Sender    string `form:"sender" json:"sender"`
	FullName  string `form:"full_name" json:"full_name"`
	ShortName string `form:"short_name" json:"short_name"`
}

func (a *API) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBind(&req); err != nil {
		a.fail(c, buserr.Validation("Invalid request: %v", err))
		return
	}
	ctx := c.Request.Context()
	user := currentUser(c)

	sender := user
	draft := model.Draft{Subject: req.Subject, Content: req.Content, SendingClient: req.Client}
	if draft.SendingClient == "" {
		draft.SendingClient = "API"
	}
	if req.Forged {
		if !a.isSuperUser(user.Email) {
			a.fail(c, buserr.Validation("User not authorized for forging"))
			return
		}
		var err error
		sender, err = a.userFor(ctx, req.Sender, req.FullName, req.ShortName, true)
		if err != nil {
			a.fail(c, err)
			return
		}
		draft.Forged = true
		draft.Mirrored = true
		if req.Time > 0 {
			draft.SentAt = time.Unix(req.Time, 0)
		}
	}
	draft.SenderID = sender.ID

	rcpt, err := a.recipientFor(ctx, sender, req)
	if err != nil {
		a.fail(c, err)
		return
	}
	draft.Recipient = rcpt

	pub, err := a.engine.Publish(ctx, draft)
	if err != nil {
		a.fail(c, err)
		return
	}
	success(c, gin.H{"id": pub.Message.ID})
}

// userFor finds the user by email. With create, users of an auto-create
// realm are made on first reference.
func (a *API) userFor(ctx context.Context, email, fullName, shortName string, create bool) (model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.User{}, buserr.Validation("Missing sender")
	}
	u, err := a.store.UserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.User{}, buserr.Transient("load user", err)
	}
	at := strings.LastIndexByte(email, '@')
	domain := strings.ToLower(email[at+1:])
	if !create || at <= 0 || !a.autoCreates[domain] {
		return model.User{}, buserr.Validation("Invalid user %s", email)
	}
	realm, err := a.store.EnsureRealm(ctx, domain)
	if err != nil {
		return model.User{}, buserr.Transient("ensure realm", err)
	}
	u, err = a.store.CreateUser(ctx, model.User{RealmID: realm.ID, Email: email, FullName: fullName, ShortName: shortName})
	if errors.Is(err, storage.ErrConflict) {
		u, err = a.store.UserByEmail(ctx, email)
	}
	if err != nil {
		return model.User{}, buserr.Transient("create user", err)
	}
	a.log.Info("user created on first reference", logx.String("email", email))
	return u, nil
}

func (a *API) recipientFor(ctx context.Context, sender model.User, req sendRequest) (model.Recipient, error) {
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "stream":
		name := req.Stream
		if name == "" {
			name = req.To
		}
		name, err := subs.ValidStreamName(name)
		if err != nil {
			return model.Recipient{}, err
		}
		st, created, err := a.store.EnsureStream(ctx, sender.RealmID, name)
		if err != nil {
			return model.Recipient{}, buserr.Transient("ensure stream", err)
		}
		if created {
			a.log.Info("stream created", logx.String("stream", st.Name))
		}
		r, err := a.store.EnsureRecipient(ctx, model.StreamTarget{StreamID: st.ID})
		return r, buserr.Transient("ensure recipient", err)
	case "personal":
		raw := req.Recipient
		if raw == "" {
			raw = req.To
		}
		ids := []int64{}
		for _, email := range strings.Split(raw, ",") {
			if strings.TrimSpace(email) == "" {
				continue
			}
			u, err := a.userFor(ctx, email, "", "", req.Forged)
			if err != nil {
				return model.Recipient{}, err
			}
			ids = append(ids, u.ID)
		}
		ids = model.UniqueIDs(ids)
		switch {
		case len(ids) == 0:
			return model.Recipient{}, buserr.Validation("Missing recipient")
		case len(ids) == 1:
			r, err := a.store.EnsureRecipient(ctx, model.PersonalTarget{UserID: ids[0]})
			return r, buserr.Transient("ensure recipient", err)
		}
		members := model.UniqueIDs(append(ids, sender.ID))
		_, r, err := a.store.EnsureHuddle(ctx, members)
		return r, buserr.Transient("ensure huddle", err)
	default:
		return model.Recipient{}, buserr.Validation("Invalid message type")
	}
}

type updatesRequest struct {
	First            *int64 `form:"first" json:"first"`
	Last             *int64 `form:"last" json:"last"`
	Failures         int    `form:"failures" json:"failures"`
	ServerGeneration int64  `form:"server_generation" json:"server_generation"`
	MitSyncBot       bool   `form:"mit_sync_bot" json:"mit_sync_bot"`
}

func (a *API) handleUpdates(c *gin.Context) {
	var req updatesRequest
	if err := c.ShouldBind(&req); err != nil {
		a.fail(c, buserr.Validation("Invalid request: %v", err))
		return
	}
	first, last := model.NoPointer, model.NoPointer
	if req.First != nil {
		first = *req.First
	}
	if req.Last != nil {
		last = *req.Last
	}
	resp, err := a.updates.Fetch(c.Request.Context(), updates.Request{
		UserID:           currentUser(c).ID,
		First:            first,
		Last:             last,
		Failures:         req.Failures,
		ServerGeneration: req.ServerGeneration,
		MirrorSyncBot:    req.MitSyncBot,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	body := gin.H{"messages": resp.Messages, "server_generation": resp.ServerGeneration}
	if resp.Where != "" {
		body["where"] = resp.Where
	}
	success(c, body)
}

type streamsRequest struct {
	Streams string `form:"streams" json:"streams"`
}

func (r streamsRequest) names() []string {
	var out []string
	for _, s := range strings.Split(r.Streams, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func streamNames(sts []model.Stream) []string {
	out := make([]string, 0, len(sts))
	for _, s := range sts {
		out = append(out, s.Name)
	}
	return out
}

func (a *API) handleListSubscriptions(c *gin.Context) {
	sts, err := a.subs.List(c.Request.Context(), currentUser(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	success(c, gin.H{"subscriptions": streamNames(sts)})
}

func (a *API) handleAddSubscriptions(c *gin.Context) {
	var req streamsRequest
	_ = c.ShouldBind(&req)
	res, err := a.subs.Add(c.Request.Context(), currentUser(c), req.names())
	if err != nil {
		a.fail(c, err)
		return
	}
	success(c, gin.H{"subscribed": res.Subscribed, "already_subscribed": res.AlreadySubscribed})
}

func (a *API) handleRemoveSubscriptions(c *gin.Context) {
	var req streamsRequest
	_ = c.ShouldBind(&req)
	removed, err := a.subs.Remove(c.Request.Context(), currentUser(c), req.names())
	if err != nil {
		a.fail(c, err)
		return
	}
	success(c, gin.H{"removed": removed})
}

func (a *API) handleStreams(c *gin.Context) {
	sts, err := a.subs.Streams(c.Request.Context(), currentUser(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	success(c, gin.H{"streams": streamNames(sts)})
}

func (a *API) handleGetPointer(c *gin.Context) {
	success(c, gin.H{"pointer": currentUser(c).Pointer})
}

type pointerRequest struct {
	Pointer *int64 `form:"pointer" json:"pointer"`
}

func (a *API) handleSetPointer(c *gin.Context) {
	var req pointerRequest
	if err := c.ShouldBind(&req); err != nil || req.Pointer == nil {
		a.fail(c, buserr.Validation("Missing pointer"))
		return
	}
	u := currentUser(c)
	p := *req.Pointer
	if p == u.Pointer {
		success(c, gin.H{"pointer": p})
		return
	}
	if p < u.Pointer {
		a.fail(c, buserr.Validation("Pointer may only move forward"))
		return
	}
	moved, err := a.store.AdvancePointer(c.Request.Context(), u.ID, p)
	if err != nil {
		a.fail(c, buserr.Transient("update pointer", err))
		return
	}
	if !moved {
		a.fail(c, buserr.Validation("Pointer may only move forward"))
		return
	}
	success(c, gin.H{"pointer": p})
}
