package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatbus/internal/apiclient"
	"chatbus/internal/buserr"
	"chatbus/internal/model"
	"chatbus/internal/runtime/lifecycle"
	"chatbus/internal/runtime/supervisor"
	"chatbus/internal/zephyr"
	logx "chatbus/pkg/logx"
)

type fakeBus struct {
	email   string
	updates chan apiclient.UpdatesResponse

	mu       sync.Mutex
	sends    []apiclient.SendRequest
	sendErrs []error
	polls    []apiclient.UpdatesRequest
	streams  []string
	added    []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{email: "starnine@mit.edu", updates: make(chan apiclient.UpdatesResponse, 8)}
}

func (f *fakeBus) Email() string { return f.email }

func (f *fakeBus) Send(_ context.Context, r apiclient.SendRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.sends = append(f.sends, r)
	return int64(len(f.sends)), nil
}

func (f *fakeBus) Updates(ctx context.Context, r apiclient.UpdatesRequest) (apiclient.UpdatesResponse, error) {
	f.mu.Lock()
	f.polls = append(f.polls, r)
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return apiclient.UpdatesResponse{}, ctx.Err()
	case resp := <-f.updates:
		return resp, nil
	}
}

func (f *fakeBus) AddSubscriptions(_ context.Context, streams []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, streams...)
	return streams, nil
}

func (f *fakeBus) Streams(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streams...), nil
}

func (f *fakeBus) sent() []apiclient.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiclient.SendRequest(nil), f.sends...)
}

func newBridge(t *testing.T, cfg Config) (*Bridge, *fakeBus, *zephyr.Memory) {
	t.Helper()
	cfg.Addressing = athena
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	cfg.SendRatePerSec = 1000
	bus, zt := newFakeBus(), zephyr.NewMemory()
	return New(cfg, bus, zt, nil, logx.Nop()), bus, zt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInboundRelaysAndSkipsPing(t *testing.T) {
	b, bus, _ := newBridge(t, Config{})
	ctx := context.Background()
	if err := b.relayInbound(ctx, zephyr.Notice{Class: "help", Opcode: "PING", Sender: "tabbott"}); err != nil {
		t.Fatal(err)
	}
	if err := b.relayInbound(ctx, zephyr.Notice{Class: "help", Instance: "printer", Sender: "tabbott", Body: "jammed"}); err != nil {
		t.Fatal(err)
	}
	sends := bus.sent()
	if len(sends) != 1 || sends[0].To != "help" || sends[0].Sender != "tabbott@mit.edu" || sends[0].Time.IsZero() {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestInboundRetriesTransient(t *testing.T) {
	b, bus, _ := newBridge(t, Config{})
	bus.sendErrs = []error{buserr.Transient("down", errors.New("conn refused")), nil}
	if err := b.relayInbound(context.Background(), zephyr.Notice{Class: "help", Sender: "tabbott", Body: "x"}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(bus.sent()) != 1 {
		t.Fatalf("not retried")
	}

	bus.sendErrs = []error{buserr.Validation("Invalid stream name")}
	if err := b.relayInbound(context.Background(), zephyr.Notice{Class: "help", Sender: "tabbott"}); !buserr.IsValidation(err) {
		t.Fatalf("validation error retried or hidden: %v", err)
	}
}

func TestInboundLoopSurvivesBadNotice(t *testing.T) {
	b, bus, zt := newBridge(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.inboundLoop(ctx) }()

	zt.Inject(zephyr.Notice{Class: "help", Instance: "x"})
	zt.Inject(zephyr.Notice{Class: "help", Instance: "y", Sender: "tabbott", Body: "ok"})
	waitFor(t, "relay after bad notice", func() bool { return len(bus.sent()) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop: %v", err)
	}
}

func streamMessage(t *testing.T, id int64, sender, stream, subject, body string, at time.Time) apiclient.Message {
	raw, _ := json.Marshal(stream)
	return apiclient.Message{ID: id, Type: "stream", SenderEmail: sender, DisplayRecipient: raw,
		Subject: subject, Content: body, Timestamp: at.Unix()}
}

func TestOutboundMirrorsOwnFreshMessages(t *testing.T) {
	b, bus, zt := newBridge(t, Config{})
	now := time.Now()
	fromBridge := streamMessage(t, 4, "starnine@mit.edu", "help", "a", "forged", now)
	fromBridge.Client = MirrorClient
	bus.updates <- apiclient.UpdatesResponse{Where: "bottom", ServerGeneration: 7, Messages: []apiclient.Message{
		streamMessage(t, 1, "other@mit.edu", "help", "a", "not mine", now),
		streamMessage(t, 2, "starnine@mit.edu", "help", "a", "too old", now.Add(-time.Minute)),
		streamMessage(t, 3, "starnine@mit.edu", "help", "printer", "fixed", now),
		fromBridge,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.outboundLoop(ctx) }()
	waitFor(t, "second poll", func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.polls) >= 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop: %v", err)
	}

	sent := zt.Sent()
	if len(sent) != 1 || sent[0].Class != "help" || sent[0].Instance != "printer" || sent[0].Body != "fixed" {
		t.Fatalf("sent = %+v", sent)
	}
	bus.mu.Lock()
	first, second := bus.polls[0], bus.polls[1]
	bus.mu.Unlock()
	if !first.MirrorSyncBot || first.Last != -1 {
		t.Fatalf("first poll = %+v", first)
	}
	if second.Last != 4 || second.ServerGeneration != 7 {
		t.Fatalf("second poll = %+v", second)
	}

	// The legacy server echoes the notice back; inbound must not re-publish it.
	echo := sent[0]
	echo.Sender = "starnine@ATHENA.MIT.EDU"
	if err := b.relayInbound(context.Background(), echo); err != nil {
		t.Fatal(err)
	}
	if len(bus.sent()) != 0 {
		t.Fatalf("echo relayed: %+v", bus.sent())
	}
}

func TestOutboundKeepsCursorOnSendFailure(t *testing.T) {
	b, bus, zt := newBridge(t, Config{})
	zt.SendErr = errors.New("zhm unreachable")
	bus.updates <- apiclient.UpdatesResponse{Where: "bottom", Messages: []apiclient.Message{
		streamMessage(t, 9, "starnine@mit.edu", "help", "a", "x", time.Now()),
	}}
	err := b.outboundLoop(context.Background())
	if !buserr.IsTransient(err) {
		t.Fatalf("err = %v", err)
	}
	if b.out.last != -1 {
		t.Fatalf("cursor advanced to %d", b.out.last)
	}
}

func TestOutboundEchoGuardCountsRepeats(t *testing.T) {
	b, bus, zt := newBridge(t, Config{})
	now := time.Now()
	bus.updates <- apiclient.UpdatesResponse{Where: "bottom", Messages: []apiclient.Message{
		streamMessage(t, 3, "starnine@mit.edu", "help", "a", "ok", now),
		streamMessage(t, 4, "starnine@mit.edu", "help", "a", "ok", now),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.outboundLoop(ctx) }()
	waitFor(t, "both notices", func() bool { return len(zt.Sent()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop: %v", err)
	}

	echo := zt.Sent()[0]
	echo.Sender = "starnine@ATHENA.MIT.EDU"
	for i := 0; i < 2; i++ {
		if err := b.relayInbound(context.Background(), echo); err != nil {
			t.Fatal(err)
		}
	}
	if got := bus.sent(); len(got) != 0 {
		t.Fatalf("echoes relayed: %+v", got)
	}
	// A third identical notice was not sent by the bridge.
	if err := b.relayInbound(context.Background(), echo); err != nil {
		t.Fatal(err)
	}
	if got := bus.sent(); len(got) != 1 {
		t.Fatalf("genuine notice dropped: %+v", got)
	}
}

// failingTransport fails the failOn-th Send once.
type failingTransport struct {
	*zephyr.Memory
	mu     sync.Mutex
	calls  int
	failOn int
}

func (f *failingTransport) Send(ctx context.Context, n zephyr.Notice) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return errors.New("zhm timeout")
	}
	return f.Memory.Send(ctx, n)
}

func TestOutboundResumesPartialGroupSend(t *testing.T) {
	bus, zt := newFakeBus(), &failingTransport{Memory: zephyr.NewMemory(), failOn: 2}
	b := New(Config{Addressing: athena, PollInterval: time.Millisecond, SendRatePerSec: 1000}, bus, zt, nil, logx.Nop())
	group := apiclient.Message{ID: 5, Type: "huddle", SenderEmail: "starnine@mit.edu", Content: "lunch?",
		Timestamp: time.Now().Unix(),
		DisplayRecipient: rawJSON(t, []model.DisplayUser{{Email: "starnine@mit.edu"}, {Email: "a@mit.edu"}, {Email: "b@mit.edu"}})}
	resp := apiclient.UpdatesResponse{Where: "bottom", Messages: []apiclient.Message{group}}

	bus.updates <- resp
	if err := b.outboundLoop(context.Background()); !buserr.IsTransient(err) {
		t.Fatalf("err = %v", err)
	}
	if b.out.last != -1 {
		t.Fatalf("cursor advanced to %d", b.out.last)
	}

	// The restarted loop sees the same message again.
	bus.updates <- resp
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.outboundLoop(ctx) }()
	waitFor(t, "poll after resend", func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.polls) >= 3
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop: %v", err)
	}

	perRecipient := map[string]int{}
	for _, n := range zt.Sent() {
		perRecipient[n.Recipient]++
	}
	if perRecipient["a@ATHENA.MIT.EDU"] != 1 || perRecipient["b@ATHENA.MIT.EDU"] != 1 || len(perRecipient) != 2 {
		t.Fatalf("notices per recipient = %v", perRecipient)
	}
	if b.out.last != 5 || b.out.partialID != 0 {
		t.Fatalf("state = %+v", b.out)
	}
}

func TestResyncSubscribesNewStreams(t *testing.T) {
	b, bus, zt := newBridge(t, Config{})
	bus.streams = []string{"help", "SIPB"}
	b.resync(context.Background())
	if !zt.Subscribed(zephyr.Sub{Class: "help", Instance: "*"}) || !zt.Subscribed(zephyr.Sub{Class: "sipb", Instance: "*"}) {
		t.Fatalf("subs = %d", zt.SubCount())
	}
	bus.streams = append(bus.streams, "new")
	b.resync(context.Background())
	if zt.SubCount() != 3 {
		t.Fatalf("subs = %d", zt.SubCount())
	}
}

func TestRunSubscribesAndCleansUp(t *testing.T) {
	subs := []zephyr.Sub{{Class: "help", Instance: "*"}, {Class: "message", Instance: "personal", Recipient: "starnine@ATHENA.MIT.EDU"}}
	b, bus, zt := newBridge(t, Config{Subs: subs, ResyncSchedule: "@every 1h"})
	bus.streams = []string{"help", "sipb"}

	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx, supervisor.WithCancelOnError(true))
	done := make(chan error, 1)
	go func() { done <- b.Run(sup) }()

	waitFor(t, "legacy subscriptions", func() bool { return zt.SubCount() == 3 })
	bus.mu.Lock()
	added := append([]string(nil), bus.added...)
	bus.mu.Unlock()
	if len(added) != 1 || added[0] != "help" {
		t.Fatalf("bus auto-subscribe = %v", added)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if zt.SubCount() != 0 {
		t.Fatalf("subscriptions left after shutdown: %d", zt.SubCount())
	}
}

func TestWatchBinaryReportsStale(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "zmirror")
	if err := os.WriteFile(exe, []byte("v1"), 0o755); err != nil {
		t.Fatal(err)
	}
	b, _, _ := newBridge(t, Config{Executable: exe})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.watchBinary(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(exe, []byte("v2"), 0o755); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	_ = os.Chtimes(exe, future, future)

	err := <-done
	if !supervisor.IsPermanent(err) || !errors.Is(err, lifecycle.ErrStaleBinary) {
		t.Fatalf("err = %v", err)
	}
	if lifecycle.ExitCode(lifecycle.ReasonFor(err)) != lifecycle.ExitStaleBinary {
		t.Fatalf("exit code for %v", err)
	}
}

func TestResendLogKeepsUnconfirmedAndReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resend.log")
	rlog, err := OpenResendLog(path)
	if err != nil {
		t.Fatal(err)
	}
	bus, zt := newFakeBus(), zephyr.NewMemory()
	b := New(Config{Addressing: athena, PollInterval: time.Millisecond}, bus, zt, rlog, logx.Nop())
	ctx := context.Background()
	relay := func(body string) error {
		return b.relayInbound(ctx, zephyr.Notice{Class: "help", Instance: "i", Sender: "tabbott", Body: body})
	}

	if err := relay("delivered"); err != nil {
		t.Fatal(err)
	}
	if fi, _ := os.Stat(path); fi.Size() != 0 {
		t.Fatalf("confirmed notice left in log (%d bytes)", fi.Size())
	}
	bus.sendErrs = []error{buserr.Validation("Invalid stream name")}
	if err := relay("rejected"); !buserr.IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
	if err := relay("delivered too"); err != nil {
		t.Fatal(err)
	}
	_ = rlog.Close()
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	replayBus := newFakeBus()
	r := New(Config{Addressing: athena, PollInterval: time.Millisecond}, replayBus, zt, nil, logx.Nop())
	n, err := r.Replay(ctx, path)
	if err != nil || n != 1 {
		t.Fatalf("replay = %d %v", n, err)
	}
	got := replayBus.sent()
	if len(got) != 1 || got[0].Content != "rejected" || got[0].Time.IsZero() {
		t.Fatalf("replayed %+v", got)
	}
}
