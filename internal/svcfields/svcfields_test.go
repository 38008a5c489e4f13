package svcfields

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("manager", "", ".http."); got != "manager.http" {
		t.Fatalf("subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("empty subsystem %q", got)
	}
}

func TestWithSessionTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)
	logger = WithSession(WithSubsystem(logger, "manager"), "0000002a", "tcp", "")
	WithUser(logger, "admin").Info("amid.manager.login")
	out := buf.String()
	for _, want := range []string{"sys", "manager", "session", "0000002a", "transport", "tcp", "user", "admin"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q lacks %s", out, want)
		}
	}
	if strings.Contains(out, "remote") {
		t.Fatalf("empty remote logged: %q", out)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	WithSubsystem(nil, "x").Info("noop")
	WithSession(nil, "a", "b", "c").Info("noop")
	WithUser(nil, "u").Info("noop")
}
