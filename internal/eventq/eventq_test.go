package eventq

import (
	"strings"
	"sync"
	"testing"

	"pkt.systems/amid/internal/perm"
)

func TestNewInstallsPlaceholder(t *testing.T) {
	l := New()
	if l.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", l.Len())
	}
	if got := l.Tail().Payload(); got != PlaceholderPayload {
		t.Fatalf("unexpected placeholder %q", got)
	}
	if l.Purge(0) != 0 {
		t.Fatalf("placeholder must survive purge while it is the tail")
	}
}

func TestAppendTerminatesPayload(t *testing.T) {
	l := New()
	rec := l.Append(perm.Call, "Hangup", "Event: Hangup\r\nPrivilege: call\r\n")
	if !strings.HasSuffix(rec.Payload(), "\r\n\r\n") {
		t.Fatalf("payload not terminated: %q", rec.Payload())
	}
	if strings.HasSuffix(rec.Payload(), "\r\n\r\n\r\n") {
		t.Fatalf("payload over-terminated: %q", rec.Payload())
	}
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Append(perm.User, "UserEvent", "Event: UserEvent\r\n\r\n")
			}
		}()
	}
	wg.Wait()
	var last uint64
	for i, rec := range l.Snapshot() {
		if i > 0 && rec.Seq <= last {
			t.Fatalf("sequence not increasing at %d: %d after %d", i, rec.Seq, last)
		}
		last = rec.Seq
	}
	if l.Len() != 801 {
		t.Fatalf("expected 801 records, got %d", l.Len())
	}
}

func TestCursorPinsRecords(t *testing.T) {
	l := New()
	cursor := l.Grab()
	l.Append(perm.Call, "A", "Event: A\r\n\r\n")
	l.Append(perm.Call, "B", "Event: B\r\n\r\n")

	if removed := l.Purge(0); removed != 0 {
		t.Fatalf("pinned head must not be purged, removed %d", removed)
	}
	cursor = Advance(cursor)
	if cursor.Name != "A" {
		t.Fatalf("expected cursor on A, got %s", cursor.Name)
	}
	if removed := l.Purge(0); removed != 1 {
		t.Fatalf("expected placeholder purged, removed %d", removed)
	}
	cursor = Advance(cursor)
	cursor = Advance(cursor)
	if cursor.Name != "B" {
		t.Fatalf("advance past tail must stay on tail, got %s", cursor.Name)
	}
	Release(cursor)
	if removed := l.Purge(0); removed != 1 {
		t.Fatalf("expected A purged, removed %d", removed)
	}
	if l.Len() != 1 || l.Tail().Name != "B" {
		t.Fatalf("tail must survive purge, len=%d tail=%s", l.Len(), l.Tail().Name)
	}
	if l.Tail().UseCount() != 0 {
		t.Fatalf("released tail should be unpinned")
	}
}

func TestPurgeLimit(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		l.Append(perm.Log, "X", "Event: X\r\n\r\n")
	}
	if removed := l.Purge(3); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if removed := l.Purge(0); removed != 7 {
		t.Fatalf("expected 7 removed, got %d", removed)
	}
}

func TestUnrefNeverNegative(t *testing.T) {
	r := &Record{}
	r.Unref()
	if r.UseCount() != 0 {
		t.Fatalf("usecount went negative: %d", r.UseCount())
	}
}
