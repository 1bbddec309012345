package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileWritesMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchwork.log")
	l := NewFile(path)
	defer l.Close()

	if !l.Enabled() {
		t.Fatalf("expected file logger to be enabled")
	}

	l.Debug("planning %d chunks", 3)
	l.Warn("unresolved marker %s", "[[FOO]]")
	l.Request("ping", `{"action":"ping"}`)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	got := string(data)
	for _, want := range []string{"planning 3 chunks", "unresolved marker [[FOO]]", `REQ [ping] {"action":"ping"}`} {
		if !strings.Contains(got, want) {
			t.Fatalf("log output missing %q:\n%s", want, got)
		}
	}
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	l := &Logger{}
	l.Debug("ignored")
	l.Info("ignored")
	if l.Writer() == nil {
		t.Fatalf("Writer() = nil, want io.Discard")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "short", max: 10, want: "short"},
		{in: "exactly10!", max: 10, want: "exactly10!"},
		{in: "this is longer", max: 4, want: "this..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
