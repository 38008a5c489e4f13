package manager

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/amid/internal/perm"
)

func TestCollectEventsFiltersByReadAndSendMask(t *testing.T) {
	env := newTestEnv(t, testConf)
	m := env.m

	full := m.newSession(TransportHook, "a", "", nil)
	full.login(&User{Name: "full", Read: perm.All, Write: perm.All}, 0, false)
	callOnly := m.newSession(TransportHook, "b", "", nil)
	callOnly.login(&User{Name: "call", Read: perm.Call}, 0, false)
	muted := m.newSession(TransportHook, "c", "", nil)
	muted.login(&User{Name: "muted", Read: perm.All}, 0, true)
	anon := m.newSession(TransportHook, "d", "", nil)
	defer func() {
		for _, s := range []*Session{full, callOnly, muted, anon} {
			m.destroySession(s, "test")
		}
	}()

	m.EmitFields(perm.Call, "Hangup", "Channel", "A/1")
	m.EmitFields(perm.System, "Reload")
	m.EmitFields(perm.Call|perm.Reporting, "Mixed")
	m.EmitFields(perm.Agent, "AgentLogin")

	names := func(s *Session) string {
		var out []string
		for _, ev := range s.collectEvents() {
			out = append(out, strings.TrimPrefix(strings.SplitN(ev, "\r\n", 2)[0], "Event: "))
		}
		return strings.Join(out, ",")
	}
	if got := names(full); got != "Hangup,Reload,Mixed,AgentLogin" {
		t.Fatalf("full session saw %q", got)
	}
	// a record needs every one of its category bits
	if got := names(callOnly); got != "Hangup" {
		t.Fatalf("call session saw %q", got)
	}
	if got := names(muted); got != "" {
		t.Fatalf("muted session saw %q", got)
	}
	if got := names(anon); got != "" {
		t.Fatalf("unauthenticated session saw %q", got)
	}
	if full.hasPending() || anon.hasPending() {
		t.Fatalf("cursors did not reach the tail")
	}
}

func TestEventsSeenInSequenceOrder(t *testing.T) {
	env := newTestEnv(t, testConf)
	m := env.m
	s := m.newSession(TransportHook, "a", "", nil)
	defer m.destroySession(s, "test")
	s.login(&User{Name: "x", Read: perm.All}, 0, false)

	first := m.emit(perm.User, "E0", 1, nil)
	for i := 1; i < 50; i++ {
		m.emit(perm.User, "E", 1, nil)
	}
	last := m.events.Tail()
	if last.Seq-first.Seq != 49 {
		t.Fatalf("sequence gap: %d..%d", first.Seq, last.Seq)
	}
	if got := len(s.collectEvents()); got != 50 {
		t.Fatalf("collected %d", got)
	}
}

func TestSweepPurgesOnlyUnpinnedRecords(t *testing.T) {
	env := newTestEnv(t, testConf)
	m := env.m
	s := m.newSession(TransportHook, "a", "", nil)
	s.login(&User{Name: "x", Read: perm.All}, 0, false)

	for i := 0; i < 10; i++ {
		m.EmitFields(perm.User, "E")
	}
	before := m.events.Len()
	if _, purged := m.Sweep(time.Now()); purged != 0 {
		t.Fatalf("purged %d records still pinned by a cursor", purged)
	}
	s.collectEvents()
	if _, purged := m.Sweep(time.Now()); purged != before-1 {
		t.Fatalf("purged %d, want %d", purged, before-1)
	}
	if m.events.Len() != 1 {
		t.Fatalf("log length %d, the tail must stay", m.events.Len())
	}
	m.destroySession(s, "test")
	if _, purged := m.Sweep(time.Now()); purged != 0 {
		t.Fatalf("tail purged")
	}
}

func TestTimestampAndDebugHeaders(t *testing.T) {
	env := newTestEnv(t, strings.Replace(testConf, "port = 5038", "port = 5038\ntimestampevents = yes", 1))
	m := env.m
	m.SetDebug(true)
	rec := m.emit(perm.System, "Probe", 1, nil)
	payload := rec.Payload()
	for _, want := range []string{"Event: Probe\r\nPrivilege: system\r\nTimestamp: ", "SequenceNumber: ", "File: session_test.go\r\n", "Func: "} {
		if !strings.Contains(payload, want) {
			t.Fatalf("payload %q lacks %q", payload, want)
		}
	}
	m.SetDebug(false)
	if strings.Contains(m.emit(perm.System, "Probe", 1, nil).Payload(), "SequenceNumber") {
		t.Fatalf("debug headers after debug off")
	}
}

func TestSweepPurgeIsBounded(t *testing.T) {
	env := newTestEnv(t, testConf)
	m := env.m
	for i := 0; i < 2*SweepPurgeLimit+10; i++ {
		m.EmitFields(perm.User, "E")
	}
	before := m.events.Len()
	for i, want := range []int{SweepPurgeLimit, SweepPurgeLimit, before - 1 - 2*SweepPurgeLimit, 0} {
		if _, purged := m.Sweep(time.Now()); purged != want {
			t.Fatalf("sweep %d purged %d, want %d", i, purged, want)
		}
	}
	if m.events.Len() != 1 {
		t.Fatalf("log length %d after sweeps", m.events.Len())
	}
}

func TestPublishWakesForEventsBeforeRegistration(t *testing.T) {
	env := newTestEnv(t, testConf)
	m := env.m
	s := newSession(m, TransportHook, "a", "", nil)
	s.cursor = m.events.Grab()
	m.EmitFields(perm.System, "Gap")
	m.publishSession(s, false)
	defer m.destroySession(s, "test")
	select {
	case <-s.wake:
	default:
		t.Fatalf("session not woken for an event emitted before it was published")
	}
	s.login(&User{Name: "x", Read: perm.All}, 0, false)
	if got := s.collectEvents(); len(got) != 1 || !strings.HasPrefix(got[0], "Event: Gap\r\n") {
		t.Fatalf("collected %q", got)
	}
}
