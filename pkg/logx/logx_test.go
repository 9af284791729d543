package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("fanout"))
	log.Debug("hidden")
	log.Info("published", MessageID(7), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got["comp"] != "fanout" || got["message_id"] != float64(7) || got["err"] != "boom" {
		t.Fatalf("line = %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", got["caller"])
	}
}

func TestServiceApplySwapsLevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	child := log.With(Component("updates"))

	child.Info("dropped")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("kept")
	if !child.Enabled(LevelDebug) {
		t.Fatalf("derived logger did not follow Apply")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "dropped") || !strings.Contains(string(b), "kept") {
		t.Fatalf("log file = %s", b)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger not zero")
	}
	l.Error("nowhere")
	if Nop().IsZero() {
		t.Fatalf("Nop reported zero")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"WARNING": LevelWarn, "trace": LevelTrace, "": LevelInfo, "bogus": LevelInfo} {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v", in, got)
		}
	}
}
