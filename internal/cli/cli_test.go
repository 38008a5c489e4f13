package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"pkt.systems/amid/internal/pbxconf"
)

func TestExecLongestMatch(t *testing.T) {
	r := NewRegistry()
	var got []string
	mustRegister(t, r, &Command{Words: []string{"manager", "show"}, Usage: "u1", Handler: func(_ context.Context, _ io.Writer, args []string) error {
		got = append([]string{"short"}, args...)
		return nil
	}})
	mustRegister(t, r, &Command{Words: []string{"manager", "show", "user"}, Usage: "u2", Handler: func(_ context.Context, _ io.Writer, args []string) error {
		got = append([]string{"long"}, args...)
		return nil
	}})
	if err := r.Exec(context.Background(), io.Discard, "Manager SHOW user admin"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"long", "admin"}) {
		t.Fatalf("unexpected dispatch %v", got)
	}
	if err := r.Exec(context.Background(), io.Discard, "manager show eventq"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"short", "eventq"}) {
		t.Fatalf("unexpected dispatch %v", got)
	}
}

func TestExecUnknownAndUsage(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &Command{Words: []string{"manager", "set", "debug"}, Usage: "Usage: manager set debug [on|off]", Handler: func(context.Context, io.Writer, []string) error {
		return ErrShowUsage
	}})
	var buf bytes.Buffer
	if err := r.Exec(context.Background(), &buf, "bogus command"); !errors.Is(err, ErrNoSuchCommand) {
		t.Fatalf("expected ErrNoSuchCommand, got %v", err)
	}
	buf.Reset()
	if err := r.Exec(context.Background(), &buf, "manager set debug maybe"); !errors.Is(err, ErrShowUsage) {
		t.Fatalf("expected ErrShowUsage, got %v", err)
	}
	if !strings.Contains(buf.String(), "Usage: manager set debug") {
		t.Fatalf("usage not written: %q", buf.String())
	}
	if err := r.Register(&Command{Words: []string{"manager", "SET", "debug"}, Handler: func(context.Context, io.Writer, []string) error { return nil }}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestHelpListsCommands(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, &Command{Words: []string{"manager", "show", "users"}, Summary: "List configured manager users", Usage: "Usage: manager show users", Handler: func(context.Context, io.Writer, []string) error { return nil }})
	var buf bytes.Buffer
	if err := r.Exec(context.Background(), &buf, "core show help manager"); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(buf.String(), "manager show users") || strings.Contains(buf.String(), "core show help") {
		t.Fatalf("unexpected help output %q", buf.String())
	}
	buf.Reset()
	_ = r.Exec(context.Background(), &buf, "core show help manager show users")
	if strings.TrimSpace(buf.String()) != "Usage: manager show users" {
		t.Fatalf("unexpected topic help %q", buf.String())
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize(`  dialplan  add "exten one" \"x  `)
	want := []string{"dialplan", "add", "exten one", `"x`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %q, want %q", got, want)
	}
}

func TestPermissions(t *testing.T) {
	f, err := pbxconf.Parse("cli_permissions.conf", []byte(`
[general]
default_perm = permit

[ops]
deny = all
permit = core show
permit = manager show *

[@admins]
deny = all
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := ParsePermissions(f)
	cases := []struct {
		user, line string
		want       bool
	}{
		{"ops", "core show channels", true},
		{"ops", "manager show users", true},
		{"ops", "manager reload", false},
		{"ops", "module unload foo", false},
		{"someone", "module unload foo", true},
		{"@admins", "core show channels", true},
	}
	for _, tc := range cases {
		if got := p.Allowed(tc.user, tc.line); got != tc.want {
			t.Fatalf("Allowed(%q, %q) = %v, want %v", tc.user, tc.line, got, tc.want)
		}
	}
	deny := ParsePermissions(mustParse(t, "[general]\ndefault_perm = deny\n"))
	if deny.Allowed("anyone", "core show version") {
		t.Fatalf("default deny not applied")
	}
	var zero *Permissions
	if !zero.Allowed("x", "y") {
		t.Fatalf("nil permissions must allow")
	}
}

func mustRegister(t *testing.T, r *Registry, cmd *Command) {
	t.Helper()
	if err := r.Register(cmd); err != nil {
		t.Fatalf("register %v: %v", cmd.Words, err)
	}
}

func mustParse(t *testing.T, text string) *pbxconf.File {
	t.Helper()
	f, err := pbxconf.Parse("test.conf", []byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f
}
