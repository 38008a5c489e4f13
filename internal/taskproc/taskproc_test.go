package taskproc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/amid/internal/cli"
	"pkt.systems/pslog"
)

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

func TestFIFOOrder(t *testing.T) {
	reg := NewRegistry(pslog.NoopLogger())
	defer reg.Shutdown()
	p, err := reg.Get("fifo", CreateIfMissing)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var mu sync.Mutex
	var seen []int
	const n = 200
	for i := 0; i < n; i++ {
		if err := p.Push(func(data any) error {
			mu.Lock()
			seen = append(seen, data.(int))
			mu.Unlock()
			return nil
		}, i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return p.Stats().Processed == n })
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestTasksNeverOverlap(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	p, _ := reg.Get("serial", CreateIfMissing)
	var active, overlap int32
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		_ = p.Push(func(any) error {
			mu.Lock()
			active++
			if active > 1 {
				overlap++
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}, nil)
	}
	waitFor(t, 2*time.Second, func() bool { return p.Stats().Processed == 50 })
	if overlap != 0 {
		t.Fatalf("tasks overlapped %d times", overlap)
	}
}

func TestStatsTrackDepth(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	p, _ := reg.Get("depth", CreateIfMissing)
	gate := make(chan struct{})
	_ = p.Push(func(any) error {
		<-gate
		return nil
	}, nil)
	waitFor(t, time.Second, func() bool { return p.Stats().Depth == 0 })
	for i := 0; i < 5; i++ {
		_ = p.Push(func(any) error { return nil }, nil)
	}
	if st := p.Stats(); st.Depth != 5 {
		t.Fatalf("expected depth 5, got %d", st.Depth)
	}
	close(gate)
	waitFor(t, time.Second, func() bool { return p.Stats().Processed == 6 })
	st := p.Stats()
	if st.MaxDepth != 5 {
		t.Fatalf("expected max depth 5, got %d", st.MaxDepth)
	}
	if st.Depth != 0 {
		t.Fatalf("expected empty queue, got %d", st.Depth)
	}
}

func TestGetRefIfExists(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	if _, err := reg.Get("missing", RefIfExists); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	a, _ := reg.Get("shared", CreateIfMissing)
	b, err := reg.Get("shared", RefIfExists)
	if err != nil {
		t.Fatalf("ref existing: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same processor")
	}
	if a.Name() != "shared" {
		t.Fatalf("unexpected name %q", a.Name())
	}
	if _, err := reg.Get("", CreateIfMissing); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestLastUnrefDiscardsQueuedTasks(t *testing.T) {
	reg := NewRegistry(nil)
	p, _ := reg.Get("teardown", CreateIfMissing)
	extra, _ := reg.Get("teardown", RefIfExists)

	started := make(chan struct{})
	gate := make(chan struct{})
	_ = p.Push(func(any) error {
		close(started)
		<-gate
		return nil
	}, nil)
	<-started
	var ran bool
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		_ = p.Push(func(any) error {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil
		}, nil)
	}

	reg.Unref(extra)
	if _, ok := reg.Lookup("teardown"); !ok {
		t.Fatalf("processor removed while still referenced")
	}

	done := make(chan struct{})
	go func() {
		reg.Unref(p)
		close(done)
	}()
	waitFor(t, time.Second, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.running
	})
	if _, ok := reg.Lookup("teardown"); ok {
		t.Fatalf("processor still registered after last unref")
	}
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("teardown did not join the worker")
	}
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Fatalf("queued tasks ran after teardown")
	}
	if err := p.Push(func(any) error { return nil }, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	p, _ := reg.Get("panic", CreateIfMissing)
	_ = p.Push(func(any) error { panic("boom") }, nil)
	_ = p.Push(func(any) error { return errors.New("failed") }, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Ping(ctx); err != nil {
		t.Fatalf("ping after panic: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.Stats().Processed == 3 })
}

func TestListSortedByName(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Get(name, CreateIfMissing); err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
	}
	list := reg.List()
	if len(list) != 3 || list[0].Name() != "alpha" || list[1].Name() != "mid" || list[2].Name() != "zeta" {
		t.Fatalf("unexpected order")
	}
}

func TestConsoleCommands(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Shutdown()
	if _, err := reg.Get("pbx-channels", CreateIfMissing); err != nil {
		t.Fatalf("get: %v", err)
	}
	console := cli.NewRegistry()
	if err := reg.RegisterCommands(console); err != nil {
		t.Fatalf("register: %v", err)
	}
	var out strings.Builder
	if err := console.Exec(context.Background(), &out, "core show taskprocessors"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "pbx-channels") || !strings.Contains(out.String(), "1 taskprocessors") {
		t.Fatalf("show output %q", out.String())
	}
	out.Reset()
	if err := console.Exec(context.Background(), &out, "core ping taskprocessor pbx-channels"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out.String(), "ping time:") {
		t.Fatalf("ping output %q", out.String())
	}
	out.Reset()
	_ = console.Exec(context.Background(), &out, "core ping taskprocessor missing")
	if !strings.Contains(out.String(), "missing not found") {
		t.Fatalf("missing output %q", out.String())
	}
}
