package amid

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/amid/client"
	"pkt.systems/amid/internal/manager"
	"pkt.systems/pslog"
)

// TestManagerConf is the manager.conf StartTestServer writes when none is
// supplied: an "admin" user with secret "amid" and every permission.
const TestManagerConf = `[general]
enabled = yes
webenabled = yes
port = 5038
bindaddr = 127.0.0.1

[admin]
secret = amid
read = all
write = all
`

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server *Server
	Config Config
	// Dir is the configuration directory holding manager.conf.
	Dir string

	stop   func(context.Context) error
	writer *testingWriter
}

// TestServerOption tweaks the configuration StartTestServer uses.
type TestServerOption func(*testServerOptions)

type testServerOptions struct {
	conf    string
	files   map[string]string
	mutate  []func(*Config)
	verbose bool
}

// WithTestManagerConf replaces TestManagerConf.
func WithTestManagerConf(conf string) TestServerOption {
	return func(o *testServerOptions) { o.conf = conf }
}

// WithTestFile writes an extra file into the configuration directory.
func WithTestFile(name, content string) TestServerOption {
	return func(o *testServerOptions) { o.files[name] = content }
}

// WithTestConfig mutates the daemon configuration before the server starts.
func WithTestConfig(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) { o.mutate = append(o.mutate, fn) }
}

// WithTestLogging routes server logs to t.Log.
func WithTestLogging() TestServerOption {
	return func(o *testServerOptions) { o.verbose = true }
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.t.Log(string(line))
		}
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// StartTestServer writes a configuration into a temporary directory and
// starts a server on loopback ephemeral ports with the login penalty off.
// The server is stopped by t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{conf: TestManagerConf, files: make(map[string]string)}
	for _, opt := range opts {
		opt(&o)
	}
	dir := t.TempDir()
	o.files[manager.DefaultConfigName] = o.conf
	for name, content := range o.files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	cfg := Config{
		ConfigDir:     dir,
		AMIListen:     "127.0.0.1:0",
		TLSListen:     "127.0.0.1:0",
		HTTPListen:    "127.0.0.1:0",
		AuthPenalty:   -1,
		GuardDisabled: true,
		SystemName:    "amid-test",
	}
	for _, fn := range o.mutate {
		fn(&cfg)
	}
	ts := &TestServer{Dir: dir}
	logger := pslog.NoopLogger()
	if o.verbose {
		ts.writer = &testingWriter{t: t}
		logger = pslog.NewStructured(ts.writer)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, WithLogger(logger))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	ts.Server, ts.Config, ts.stop = srv, srv.cfg, stop
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return ts
}

// Stop shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	err := ts.stop(ctx)
	if ts.writer != nil {
		ts.writer.close()
	}
	return err
}

// AMIAddr is the plain line transport address.
func (ts *TestServer) AMIAddr() string {
	if addr := ts.Server.AMIAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// HTTPURL is the base URL of the HTTP transport.
func (ts *TestServer) HTTPURL() string {
	if addr := ts.Server.HTTPAddr(); addr != nil {
		return "http://" + addr.String() + ts.Config.HTTPPrefix
	}
	return ""
}

// Dial connects a client to the plain line transport. The client is closed
// by t.Cleanup.
func (ts *TestServer) Dial(t testing.TB, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, ts.AMIAddr(), opts...)
	if err != nil {
		t.Fatalf("dial %s: %v", ts.AMIAddr(), err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WriteFile replaces a configuration file, e.g. before a reload.
func (ts *TestServer) WriteFile(t testing.TB, name, content string) {
	t.Helper()
	if strings.ContainsAny(name, `/\`) {
		t.Fatalf("invalid file name %q", name)
	}
	if err := os.WriteFile(filepath.Join(ts.Dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func (ts *TestServer) String() string {
	return fmt.Sprintf("amid test server ami=%s http=%s", ts.AMIAddr(), ts.HTTPURL())
}
