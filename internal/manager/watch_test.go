package manager

import (
	"context"
	"testing"
	"time"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	env := newTestEnv(t, testConf)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := env.m.WatchConfig(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	gen := env.m.Settings().Generation
	writeConf(t, env.dir, DefaultConfigName, `[general]
enabled = yes
debug = on

[admin]
secret = pw
read = all
write = all
`)
	waitFor(t, 5*time.Second, func() bool {
		s := env.m.Settings()
		return s.Generation > gen && s.Debug
	})
	if _, ok := env.m.users.get("caller"); ok {
		t.Fatalf("caller survived reload")
	}
}

func TestWatchConfigIgnoresOtherFiles(t *testing.T) {
	env := newTestEnv(t, testConf)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := env.m.WatchConfig(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	gen := env.m.Settings().Generation
	writeConf(t, env.dir, "extensions.conf", "[default]\n")
	time.Sleep(2 * watchDebounce)
	if got := env.m.Settings().Generation; got != gen {
		t.Fatalf("generation moved to %d on unrelated write", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
