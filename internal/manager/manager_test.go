package manager

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/amid/internal/cli"
	"pkt.systems/amid/internal/pbx/mempbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/taskproc"
	"pkt.systems/amid/internal/wire"
	"pkt.systems/pslog"
)

const testConf = `[general]
enabled = yes
webenabled = yes
port = 5038

[admin]
secret = pw
read = all
write = all

[caller]
secret = pw
read = call
write = call

[md5user]
secret = p
read = all
write = all
`

type testEnv struct {
	m     *Manager
	pbx   *mempbx.PBX
	dir   string
	tasks *taskproc.Registry
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func writeConf(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestEnv(t *testing.T, conf string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	writeConf(t, dir, DefaultConfigName, conf)
	tasks := taskproc.NewRegistry(pslog.NoopLogger())
	p, err := mempbx.New(mempbx.Options{Tasks: tasks, SystemName: "test", Version: "test"})
	if err != nil {
		t.Fatalf("mempbx: %v", err)
	}
	m, err := New(Options{
		Logger:         pslog.NoopLogger(),
		Tasks:          tasks,
		ConfigDir:      dir,
		PBX:            p.Bundle(),
		CLI:            cli.NewRegistry(),
		AuthPenalty:    -1,
		Nonce:          func() string { return "12345" },
		DisableMetrics: true,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	p.SetEmitter(m)
	p.RegisterModule("manager", "Manager interface", "1.0", m.Reload)
	t.Cleanup(func() {
		m.Close()
		p.Close()
		tasks.Shutdown()
	})
	return &testEnv{m: m, pbx: p, dir: dir, tasks: tasks}
}

type amiConn struct {
	t    *testing.T
	conn net.Conn
	r    *wire.Reader
}

// dial starts a line session on a loopback socket and consumes the
// greeting.
func (e *testEnv) dial(t *testing.T) *amiConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		e.m.ServeConn(ctx, conn, TransportTCP)
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	c := &amiConn{t: t, conn: conn, r: wire.NewReader(conn)}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadLine()
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if line != DefaultBanner {
		t.Fatalf("greeting %q, want %q", line, DefaultBanner)
	}
	return c
}

func (c *amiConn) send(lines ...string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, strings.Join(lines, "\r\n")+"\r\n\r\n"); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *amiConn) block() ([]wire.Header, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	headers, output, err := c.r.ReadBlock()
	if err != nil {
		c.t.Fatalf("read block: %v", err)
	}
	return headers, output
}

func (c *amiConn) login(user, secret string) {
	c.t.Helper()
	c.send("Action: Login", "Username: "+user, "Secret: "+secret)
	got, _ := c.block()
	if value(got, "Response") != "Success" {
		c.t.Fatalf("login %s: %v", user, got)
	}
}

func value(headers []wire.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func sameHeaders(t *testing.T, got []wire.Header, want ...wire.Header) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("headers %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header %d = %v, want %v (all %v)", i, got[i], want[i], got)
		}
	}
}

func TestLoginAndPing(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)

	c.send("Action: Login", "Username: admin", "Secret: pw")
	got, _ := c.block()
	sameHeaders(t, got,
		wire.Header{Name: "Response", Value: "Success"},
		wire.Header{Name: "Message", Value: "Authentication accepted"})

	c.send("Action: Ping", "ActionID: x1")
	got, _ = c.block()
	sameHeaders(t, got,
		wire.Header{Name: "Response", Value: "Success"},
		wire.Header{Name: "ActionID", Value: "x1"},
		wire.Header{Name: "Ping", Value: "Pong"})
}

func TestChallengeMD5Login(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)

	c.send("Action: Challenge", "AuthType: MD5")
	got, _ := c.block()
	sameHeaders(t, got,
		wire.Header{Name: "Response", Value: "Success"},
		wire.Header{Name: "Challenge", Value: "12345"})

	sum := md5.Sum([]byte("12345p"))
	c.send("Action: Login", "AuthType: MD5", "Username: md5user", "Key: "+hex.EncodeToString(sum[:]))
	got, _ = c.block()
	if value(got, "Response") != "Success" || value(got, "Message") != "Authentication accepted" {
		t.Fatalf("md5 login: %v", got)
	}
}

func TestLoginFailureClosesSession(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.send("Action: Login", "Username: admin", "Secret: wrong")
	got, _ := c.block()
	if value(got, "Response") != "Error" || value(got, "Message") != "Authentication failed" {
		t.Fatalf("failed login reply: %v", got)
	}
	if _, err := c.r.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after failed login, got %v", err)
	}
}

func TestActionsRequireLogin(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.send("Action: Ping")
	got, _ := c.block()
	if value(got, "Message") != "Permission denied" {
		t.Fatalf("unauthenticated ping: %v", got)
	}
	c.send("ActionID: 7")
	got, _ = c.block()
	if value(got, "Message") != "Missing action in request" {
		t.Fatalf("missing action: %v", got)
	}
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("caller", "pw")
	c.send("Action: Command", "Command: core show channels")
	got, _ := c.block()
	sameHeaders(t, got,
		wire.Header{Name: "Response", Value: "Error"},
		wire.Header{Name: "Message", Value: "Permission denied"})
}

func TestUnknownAction(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: Frobnicate")
	got, _ := c.block()
	want := "Invalid/unknown command: Frobnicate. Use Action: ListCommands to show available commands."
	if value(got, "Message") != want {
		t.Fatalf("unknown action: %v", got)
	}
}

func TestListCommandsFiltersByWriteMask(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("caller", "pw")
	c.send("Action: ListCommands")
	got, _ := c.block()
	if value(got, "Response") != "Success" {
		t.Fatalf("listcommands: %v", got)
	}
	if v := value(got, "Ping"); v != "Keepalive command (Priv: <none>)" {
		t.Fatalf("Ping line %q", v)
	}
	if v := value(got, "Redirect"); v == "" || !strings.HasSuffix(v, "(Priv: call)") {
		t.Fatalf("Redirect line %q", v)
	}
	for _, hidden := range []string{"Command", "GetConfig", "Originate"} {
		if value(got, hidden) != "" {
			t.Fatalf("%s listed for a call-only account", hidden)
		}
	}
}

func TestEventDeliveryHonoursSendMask(t *testing.T) {
	env := newTestEnv(t, testConf)
	on := env.dial(t)
	on.login("admin", "pw")
	off := env.dial(t)
	off.send("Action: Login", "Username: caller", "Secret: pw", "Events: off")
	if got, _ := off.block(); value(got, "Response") != "Success" {
		t.Fatalf("login: %v", got)
	}

	env.m.Emit(perm.Call, "Hangup", wire.Header{Name: "Channel", Value: "A/1"})

	got, _ := on.block()
	sameHeaders(t, got,
		wire.Header{Name: "Event", Value: "Hangup"},
		wire.Header{Name: "Privilege", Value: "call"},
		wire.Header{Name: "Channel", Value: "A/1"})

	off.send("Action: Ping")
	got, _ = off.block()
	if value(got, "Ping") != "Pong" {
		t.Fatalf("session with events off received %v", got)
	}
}

func TestEventsActionTogglesDelivery(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: Events", "EventMask: off")
	got, _ := c.block()
	if value(got, "Events") != "Off" {
		t.Fatalf("events off: %v", got)
	}
	env.m.EmitFields(perm.User, "Ignored")
	// the drain after this reply passes over Ignored while events are off
	c.send("Action: Ping")
	if got, _ = c.block(); value(got, "Ping") != "Pong" {
		t.Fatalf("ping: %v", got)
	}
	c.send("Action: Events", "EventMask: user")
	got, _ = c.block()
	if value(got, "Events") != "On" {
		t.Fatalf("events user: %v", got)
	}
	env.m.EmitFields(perm.User, "Seen", "Key", "v")
	got, _ = c.block()
	if value(got, "Event") != "Seen" {
		t.Fatalf("expected Seen, got %v", got)
	}
}

func TestLogoffThenEOF(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: Logoff")
	got, _ := c.block()
	if value(got, "Response") != "Goodbye" {
		t.Fatalf("logoff: %v", got)
	}
	_, _ = io.WriteString(c.conn, "Action: Logoff\r\n\r\n")
	if _, err := c.r.ReadLine(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
	waitFor(t, 2*time.Second, func() bool { return len(env.m.Sessions()) == 0 })
}

func TestMultipleLoginRefused(t *testing.T) {
	env := newTestEnv(t, strings.Replace(testConf, "port = 5038", "port = 5038\nallowmultiplelogin = no", 1))
	first := env.dial(t)
	first.login("admin", "pw")
	second := env.dial(t)
	second.send("Action: Login", "Username: admin", "Secret: pw")
	got, _ := second.block()
	if value(got, "Message") != "Login Already In Use" {
		t.Fatalf("second login: %v", got)
	}
	if _, err := second.r.ReadLine(); err == nil {
		t.Fatalf("second session still open")
	}
}

func TestUserEventEchoesHeaders(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: UserEvent", "UserEvent: Custom", "Foo: bar", "ActionID: u1")
	got, _ := c.block()
	if value(got, "Message") != "Event Sent" || value(got, "ActionID") != "u1" {
		t.Fatalf("userevent reply: %v", got)
	}
	got, _ = c.block()
	if value(got, "Event") != "UserEvent" || value(got, "UserEvent") != "Custom" || value(got, "Foo") != "bar" {
		t.Fatalf("userevent event: %v", got)
	}
}

func TestCommandRunsCLI(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: Command", "Command: manager show users", "ActionID: c1")
	got, out := c.block()
	if value(got, "Response") != "Follows" || value(got, "ActionID") != "c1" {
		t.Fatalf("command reply: %v", got)
	}
	if !strings.Contains(out, "md5user") || !strings.Contains(out, "3 manager users configured.") {
		t.Fatalf("command output %q", out)
	}

	c.send("Action: Command", "Command: module unload foo")
	got, _ = c.block()
	if value(got, "Message") != "Command blacklisted" {
		t.Fatalf("blacklist: %v", got)
	}
}

func TestCommandHonoursCLIPermissions(t *testing.T) {
	env := newTestEnv(t, testConf)
	writeConf(t, env.dir, DefaultCLIPermissionsName, "[general]\ndefault_perm = permit\n\n[admin]\ndeny = manager show\n")
	if err := env.m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	c := env.dial(t)
	c.login("admin", "pw")
	c.send("Action: Command", "Command: manager show users")
	got, _ := c.block()
	if value(got, "Message") != "Permission denied" {
		t.Fatalf("cli permission: %v", got)
	}
}

func TestWaitEventReturnsQueuedEvents(t *testing.T) {
	env := newTestEnv(t, testConf)
	c := env.dial(t)
	c.login("admin", "pw")

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.m.EmitFields(perm.Call, "Newchannel", "Channel", "SIP/1")
	}()
	c.send("Action: WaitEvent", "Timeout: 5", "ActionID: w1", "SuppressEvents: yes")
	got, _ := c.block()
	if value(got, "Message") != "Waiting for Event completed." {
		t.Fatalf("waitevent ack: %v", got)
	}
	got, _ = c.block()
	if value(got, "Event") != "Newchannel" {
		t.Fatalf("waitevent event: %v", got)
	}
	got, _ = c.block()
	if value(got, "Event") != "WaitEventComplete" || value(got, "ActionID") != "w1" {
		t.Fatalf("waitevent complete: %v", got)
	}
}

func TestHookSeesEveryEvent(t *testing.T) {
	env := newTestEnv(t, testConf)
	var seen []string
	h := env.m.AddHook(func(category perm.Mask, event, body string) {
		seen = append(seen, event)
		if !strings.HasPrefix(body, "Event: "+event+"\r\n") {
			t.Errorf("hook body %q", body)
		}
	})
	env.m.EmitFields(perm.System, "One")
	env.m.EmitFields(perm.Agent, "Two")
	if !env.m.RemoveHook(h) {
		t.Fatalf("remove hook")
	}
	env.m.EmitFields(perm.System, "Three")
	if strings.Join(seen, ",") != "One,Two" {
		t.Fatalf("hook saw %v", seen)
	}
}

func TestSendActionRunsWithAllPermissions(t *testing.T) {
	env := newTestEnv(t, testConf)
	reply, err := env.m.SendAction(context.Background(), wire.NewMessage(
		wire.Header{Name: "Action", Value: "CoreSettings"},
		wire.Header{Name: "ActionID", Value: "h1"},
	))
	if err != nil {
		t.Fatalf("send action: %v", err)
	}
	blocks := wire.ParseBlocks(reply)
	if len(blocks) != 1 || value(blocks[0], "AMIversion") != "1.1" || value(blocks[0], "ActionID") != "h1" {
		t.Fatalf("coresettings reply %q", reply)
	}
	if len(env.m.Sessions()) != 0 {
		t.Fatalf("hook session leaked")
	}
}

func TestRegisterActionRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t, testConf)
	err := env.m.RegisterAction(&Action{Name: "ping", Handler: env.m.actionPing})
	if !errors.Is(err, ErrDuplicateAction) {
		t.Fatalf("duplicate register: %v", err)
	}
	custom := &Action{Name: "Echo", Required: perm.User, Synopsis: "Echo", Handler: func(_ context.Context, r *Request) (Result, error) {
		r.Ack(r.Get("Text"))
		return ResultContinue, nil
	}}
	if err := env.m.RegisterAction(custom); err != nil {
		t.Fatalf("register: %v", err)
	}
	reply, _ := env.m.SendAction(context.Background(), wire.NewMessage(
		wire.Header{Name: "Action", Value: "ECHO"},
		wire.Header{Name: "Text", Value: "hi"},
	))
	if !strings.Contains(reply, "Message: hi\r\n") {
		t.Fatalf("echo reply %q", reply)
	}
	if err := env.m.UnregisterAction(context.Background(), "echo"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := env.m.UnregisterAction(context.Background(), "echo"); !errors.Is(err, ErrNoSuchAction) {
		t.Fatalf("second unregister: %v", err)
	}
}
