package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "fetch"))
	log.Debug("hidden")
	log.Info("fetched", Int("status", 200), Duration("took", time.Second), Strings("keys", []string{"a"}))
	log.Warn("retry", Err(errors.New("boom")), Err(nil), Stack(""))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("lines=%d want 2: %s", len(lines), buf.String())
	}
	if lines[0]["comp"] != "fetch" || lines[0]["message"] != "fetched" || lines[0]["status"] != float64(200) {
		t.Fatalf("info line=%v", lines[0])
	}
	if lines[1]["err"] != "boom" || lines[1]["level"] != "warn" {
		t.Fatalf("warn line=%v", lines[1])
	}
	if _, ok := lines[1]["stack"]; ok {
		t.Fatalf("empty stack should be omitted")
	}
	if c, _ := lines[0]["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("nothing")
	if Nop().IsZero() {
		t.Fatalf("Nop is a real logger")
	}
	if Nop().Enabled(LevelError) {
		t.Fatalf("Nop should be disabled")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "datapipe.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("first")
	log.Debug("dropped")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	if got := svc.Config().Level; got != "debug" {
		t.Fatalf("level=%q", got)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 2 || lines[0]["message"] != "first" || lines[1]["message"] != "second" {
		t.Fatalf("file lines=%v", lines)
	}
}

func TestParseLevelAndThrottle(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{"debug": true, " WARNING ": true, "verbose": false, "": false} {
		if _, ok := ParseLevel(in); ok != want {
			t.Fatalf("ParseLevel(%q) ok=%v want %v", in, ok, want)
		}
	}

	var nilThrottle *Throttle
	if !nilThrottle.Allow() || !NewThrottle(0).Allow() {
		t.Fatalf("disabled throttles always allow")
	}
	th := NewThrottle(time.Hour)
	if !th.Allow() || th.Allow() {
		t.Fatalf("throttle should allow exactly one event per window")
	}
}
