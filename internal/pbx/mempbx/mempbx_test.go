package mempbx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/amid/internal/clock"
	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/taskproc"
	"pkt.systems/amid/internal/wire"
)

type recordedEvent struct {
	category perm.Mask
	name     string
	headers  []wire.Header
}

type captureEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (c *captureEmitter) Emit(category perm.Mask, event string, headers ...wire.Header) {
	c.mu.Lock()
	c.events = append(c.events, recordedEvent{category: category, name: event, headers: headers})
	c.mu.Unlock()
}

func (c *captureEmitter) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.name
	}
	return out
}

func newTestPBX(t *testing.T, clk clock.Clock) (*PBX, *captureEmitter) {
	t.Helper()
	reg := taskproc.NewRegistry(nil)
	p, err := New(Options{Tasks: reg, Clock: clk, SystemName: "test", Version: "v0.0.0-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	em := &captureEmitter{}
	p.SetEmitter(em)
	t.Cleanup(func() {
		p.Close()
		reg.Shutdown()
	})
	return p, em
}

func flush(t *testing.T, p *PBX) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestChannelLifecycleEmitsInOrder(t *testing.T) {
	p, em := newTestPBX(t, nil)
	ch, err := p.NewChannel(ChannelSpec{Name: "SIP/100-0001", State: pbx.StateUp, Context: "default", Exten: "100"})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if ch.UniqueID == "" {
		t.Fatalf("expected unique id")
	}
	if err := p.SetVar("sip/100-0001", "FOO", "bar"); err != nil {
		t.Fatalf("setvar: %v", err)
	}
	if v, _ := p.GetVar("SIP/100-0001", "FOO"); v != "bar" {
		t.Fatalf("unexpected var %q", v)
	}
	if err := p.Redirect("SIP/100-0001", "", "200", 1); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	if err := p.SoftHangup("SIP/100-0001", 16); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	flush(t, p)
	got := em.names()
	want := []string{"Newchannel", "VarSet", "Newexten", "Hangup"}
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
	if _, err := p.Channel("SIP/100-0001"); !errors.Is(err, pbx.ErrNoSuchChannel) {
		t.Fatalf("expected channel gone, got %v", err)
	}
	if err := p.SoftHangup("SIP/100-0001", 16); !errors.Is(err, pbx.ErrNoSuchChannel) {
		t.Fatalf("expected ErrNoSuchChannel, got %v", err)
	}
}

func TestAbsoluteTimeoutHangsUp(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	p, em := newTestPBX(t, clk)
	if _, err := p.NewChannel(ChannelSpec{Name: "Local/1@default-0001"}); err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := p.SetAbsoluteTimeout("Local/1@default-0001", 30*time.Second); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	clk.Advance(31 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.ListChannels()) == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(p.ListChannels()) != 0 {
		t.Fatalf("channel survived its absolute timeout")
	}
	flush(t, p)
	names := em.names()
	if names[len(names)-1] != "Hangup" {
		t.Fatalf("expected trailing Hangup, got %v", names)
	}
}

func TestFunctions(t *testing.T) {
	p, _ := newTestPBX(t, nil)
	cases := map[string]string{
		"MD5(hello)":          "5d41402abc4b2a76b9719d911017c592",
		"LEN(abcd)":           "4",
		"BASE64_ENCODE(hi)":   "aGk=",
		"base64_decode(aGk=)": "hi",
	}
	for expr, want := range cases {
		got, err := p.ReadFunction("", expr)
		if err != nil || got != want {
			t.Fatalf("ReadFunction(%q) = %q, %v; want %q", expr, got, err, want)
		}
	}
	if err := p.WriteFunction("", "GLOBAL(COLOR)", "blue"); err != nil {
		t.Fatalf("write global: %v", err)
	}
	if got, _ := p.ReadFunction("", "GLOBAL(COLOR)"); got != "blue" {
		t.Fatalf("unexpected global %q", got)
	}
	if _, err := p.ReadFunction("", "NOPE(x)"); !errors.Is(err, pbx.ErrNoSuchFunction) {
		t.Fatalf("expected ErrNoSuchFunction, got %v", err)
	}
	if err := p.WriteFunction("", "MD5(x)", "y"); !errors.Is(err, pbx.ErrNoSuchFunction) {
		t.Fatalf("MD5 must be read-only, got %v", err)
	}
	if _, err := p.ReadFunction("", "MD5"); !errors.Is(err, pbx.ErrInvalidArgument) {
		t.Fatalf("expected malformed expression error, got %v", err)
	}
}

func TestOriginate(t *testing.T) {
	p, _ := newTestPBX(t, nil)
	res, err := p.Originate(context.Background(), pbx.OriginateRequest{
		Channel:   "SIP/200",
		Context:   "default",
		Exten:     "300",
		Priority:  1,
		CallerID:  `"Alice" <200>`,
		Variables: map[string]string{"A": "1"},
	})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	if res.Reason != pbx.ReasonAnswered {
		t.Fatalf("unexpected reason %d", res.Reason)
	}
	ch, err := p.Channel(res.Channel)
	if err != nil {
		t.Fatalf("originated channel missing: %v", err)
	}
	if ch.CallerIDName != "Alice" || ch.CallerIDNum != "200" {
		t.Fatalf("unexpected caller id %q <%s>", ch.CallerIDName, ch.CallerIDNum)
	}
	if v, _ := p.GetVar(res.Channel, "A"); v != "1" {
		t.Fatalf("variable not applied")
	}
	if res, err := p.Originate(context.Background(), pbx.OriginateRequest{Channel: "Busy/1"}); err == nil || res.Reason != pbx.ReasonBusy {
		t.Fatalf("expected busy failure, got %+v %v", res, err)
	}
	if _, err := p.Originate(context.Background(), pbx.OriginateRequest{Channel: "Carrier/1"}); !errors.Is(err, pbx.ErrInvalidArgument) {
		t.Fatalf("expected invalid technology, got %v", err)
	}
}

func TestVoicemail(t *testing.T) {
	p, _ := newTestPBX(t, nil)
	msg := p.AddMessage("100", pbx.VoicemailMessage{CallerID: "200"})
	p.AddMessage("100@default", pbx.VoicemailMessage{CallerID: "300", Urgent: true})
	urgent, fresh, old, err := p.MailboxCounts("100@default")
	if err != nil || urgent != 1 || fresh != 1 || old != 0 {
		t.Fatalf("unexpected counts %d/%d/%d (%v)", urgent, fresh, old, err)
	}
	if err := p.ManageMessage("100", "markread", msg.ID, ""); err != nil {
		t.Fatalf("markread: %v", err)
	}
	if _, fresh, old, _ := p.MailboxCounts("100"); fresh != 0 || old != 1 {
		t.Fatalf("markread not applied: new=%d old=%d", fresh, old)
	}
	if err := p.ManageMessage("100", "delete", "missing", ""); !errors.Is(err, pbx.ErrNoSuchMessage) {
		t.Fatalf("expected ErrNoSuchMessage, got %v", err)
	}
	if _, err := p.MailboxMessages("999"); !errors.Is(err, pbx.ErrNoSuchMailbox) {
		t.Fatalf("expected ErrNoSuchMailbox, got %v", err)
	}
	if u, n, o, err := p.MailboxCounts("999"); err != nil || u+n+o != 0 {
		t.Fatalf("unknown mailbox must count as empty")
	}
}

func TestModulesReload(t *testing.T) {
	p, em := newTestPBX(t, nil)
	var reloaded int
	p.RegisterModule("manager", "Manager interface", "1.0", func(context.Context) error {
		reloaded++
		return nil
	})
	p.RegisterModule("broken", "Fails on reload", "0.1", func(context.Context) error {
		return errors.New("boom")
	})
	if err := p.ReloadModule(context.Background(), "manager.so"); err != nil {
		t.Fatalf("reload manager: %v", err)
	}
	if err := p.ReloadModule(context.Background(), ""); err == nil {
		t.Fatalf("expected joined error from broken module")
	}
	if reloaded != 2 {
		t.Fatalf("expected 2 reloads, got %d", reloaded)
	}
	if err := p.UnloadModule("manager"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := p.CheckModule("manager"); !errors.Is(err, pbx.ErrNoSuchModule) {
		t.Fatalf("unloaded module must not check, got %v", err)
	}
	if err := p.ReloadModule(context.Background(), "nope"); !errors.Is(err, pbx.ErrNoSuchModule) {
		t.Fatalf("expected ErrNoSuchModule, got %v", err)
	}
	flush(t, p)
	found := false
	for _, name := range em.names() {
		if name == "Reload" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Reload event")
	}
	if info := p.Info(); info.SystemName != "test" || info.Version != "v0.0.0-test" {
		t.Fatalf("unexpected core info %+v", info)
	}
}
