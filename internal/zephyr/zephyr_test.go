package zephyr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSubs(t *testing.T) {
	in := `
# classes to mirror
message,*,%me%
help
sipb,*,*
help,*
white-magic , foo
`
	subs, err := ParseSubs(strings.NewReader(in), "starnine@ATHENA.MIT.EDU")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Sub{
		{"message", "*", "starnine@ATHENA.MIT.EDU"},
		{"help", "*", ""},
		{"sipb", "*", ""},
		{"white-magic", "foo", ""},
	}
	if len(subs) != len(want) {
		t.Fatalf("subs = %v", subs)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("sub %d = %v, want %v", i, subs[i], want[i])
		}
	}
	if got := Classes(subs); len(got) != 4 {
		t.Fatalf("classes = %v", got)
	}

	if _, err := ParseSubs(strings.NewReader("a,b,c,d\n"), ""); err == nil {
		t.Fatalf("four fields accepted")
	}
	if _, err := ParseSubs(strings.NewReader(",x\n"), ""); err == nil {
		t.Fatalf("empty class accepted")
	}
}

func TestLoadSubsFileMissing(t *testing.T) {
	subs, err := LoadSubsFile(filepath.Join(t.TempDir(), "nope"), "me")
	if err != nil || subs != nil {
		t.Fatalf("subs = %v err = %v", subs, err)
	}
	path := filepath.Join(t.TempDir(), "subs")
	if err := os.WriteFile(path, []byte("help\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if subs, err := LoadSubsFile(path, "me"); err != nil || len(subs) != 1 {
		t.Fatalf("subs = %v err = %v", subs, err)
	}
}

func TestStripRealm(t *testing.T) {
	for in, want := range map[string]string{
		"starnine@ATHENA.MIT.EDU": "starnine",
		"starnine":                "starnine",
		"":                        "",
	} {
		if got := StripRealm(in); got != want {
			t.Errorf("StripRealm(%q) = %q", in, got)
		}
	}
}

func TestMemoryTransport(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Subscribe(ctx, []Sub{{"help", "*", ""}})
	if !m.Subscribed(Sub{"help", "*", ""}) {
		t.Fatalf("not subscribed")
	}
	m.Inject(Notice{Class: "help", Body: "hi"})
	n, err := m.Receive(ctx)
	if err != nil || n.Body != "hi" {
		t.Fatalf("receive = %+v %v", n, err)
	}
	_ = m.Close()
	if _, err := m.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err after close = %v", err)
	}
}
