package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/amid"
	"pkt.systems/amid/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stdout != version.Summary()+"\n" {
		t.Fatalf("stdout %q", stdout)
	}
	stdout, _, err = executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("stdout %q", stdout)
	}
}

func TestConfigGen(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated yaml: %v", err)
	}
	if got["config-dir"] != amid.DefaultConfigDir || got["http-listen"] != amid.DefaultHTTPListen {
		t.Fatalf("defaults %v", got)
	}

	out := filepath.Join(t.TempDir(), "amid.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen --out: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
}

func TestClientCommands(t *testing.T) {
	ts := amid.StartTestServer(t)
	addr := ts.AMIAddr()
	stdout, _, err := executeRootCommand(t, "client", "command", "--server", addr, "-u", "admin", "--secret", "amid", "core", "show", "version")
	if err != nil {
		t.Fatalf("client command: %v", err)
	}
	if !strings.Contains(stdout, "running on amid-test") {
		t.Fatalf("stdout %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "client", "action", "--server", addr, "-u", "admin", "--secret", "amid", "--md5", "Command", "Command=core show uptime")
	if err != nil {
		t.Fatalf("client action: %v", err)
	}
	if !strings.Contains(stdout, "Response: Follows\r\n") || !strings.Contains(stdout, "System uptime:") {
		t.Fatalf("stdout %q", stdout)
	}

	if _, _, err := executeRootCommand(t, "client", "action", "--server", addr, "-u", "admin", "--secret", "wrong", "Ping"); err == nil {
		t.Fatalf("wrong secret accepted")
	}
}

func TestScriptConsole(t *testing.T) {
	var ran []string
	run := func(line string) (string, error) {
		ran = append(ran, line)
		return "ok " + line + "\n", nil
	}
	var out bytes.Buffer
	script := "# comment\ncore show uptime\n\nmodule show\nquit\ncore show channels\n"
	if err := scriptConsole(strings.NewReader(script), &out, run); err != nil {
		t.Fatalf("script: %v", err)
	}
	if strings.Join(ran, "|") != "core show uptime|module show" {
		t.Fatalf("ran %q", ran)
	}
	if out.String() != "ok core show uptime\nok module show\n" {
		t.Fatalf("output %q", out.String())
	}
}
