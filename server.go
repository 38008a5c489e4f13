package amid

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"pkt.systems/amid/internal/cli"
	"pkt.systems/amid/internal/clock"
	"pkt.systems/amid/internal/connguard"
	"pkt.systems/amid/internal/manager"
	"pkt.systems/amid/internal/pbx/mempbx"
	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/amid/internal/taskproc"
	"pkt.systems/amid/internal/tlsutil"
	"pkt.systems/amid/internal/version"
	"pkt.systems/pslog"
)

// Server runs the manager over its line (TCP and TLS) and HTTP transports
// together with the in-memory PBX, the session sweeper and telemetry.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	tasks     *taskproc.Registry
	pbx       *mempbx.PBX
	manager   *manager.Manager
	console   *cli.Registry
	guard     *connguard.Guard
	telemetry *telemetryBundle
	watcher   *manager.Watcher
	httpSrv   *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	shutdown  bool
	listeners map[string]*amiListener
	httpLn    net.Listener
	listenErr error

	reconcileCh chan struct{}
	conns       sync.WaitGroup
	background  sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
	stopCh      chan struct{}
}

// amiListener is one bound line transport listener. key captures every
// input that requires a rebind when it changes.
type amiListener struct {
	transport string
	key       string
	ln        net.Listener
	done      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer builds a server from cfg. Nothing listens until Start.
//
//	srv, err := amid.NewServer(amid.Config{ConfigDir: "/etc/amid"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		logger:      svcfields.WithSubsystem(o.Logger, "server.lifecycle"),
		clock:       o.Clock,
		ctx:         ctx,
		cancel:      cancel,
		listeners:   make(map[string]*amiListener),
		reconcileCh: make(chan struct{}, 1),
		readyCh:     make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	built := false
	defer func() {
		if !built {
			s.teardown(context.Background())
		}
	}()

	telemetry, err := setupTelemetry(ctx, cfg, svcfields.WithSubsystem(o.Logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry

	s.tasks = taskproc.NewRegistry(o.Logger)
	s.pbx, err = mempbx.New(mempbx.Options{
		Logger:     o.Logger,
		Clock:      o.Clock,
		Tasks:      s.tasks,
		SystemName: cfg.SystemName,
		Version:    version.Current(),
		MaxCalls:   cfg.MaxCalls,
		MaxLoadAvg: cfg.MaxLoadAvg,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.GuardDisabled {
		s.guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.GuardFailureThreshold,
			FailureWindow:    cfg.GuardFailureWindow,
			BlockDuration:    cfg.GuardBlockDuration,
		}, o.Logger)
	}
	s.console = cli.NewRegistry()
	s.manager, err = manager.New(manager.Options{
		Logger:             o.Logger,
		Clock:              o.Clock,
		Tasks:              s.tasks,
		ConfigDir:          cfg.ConfigDir,
		ConfigName:         cfg.ConfigName,
		CLIPermissionsName: cfg.CLIPermissionsName,
		PBX:                s.pbx.Bundle(),
		CLI:                s.console,
		Guard:              s.guard,
		Banner:             cfg.Banner,
		AuthPenalty:        cfg.AuthPenalty,
		OnReload:           func(*manager.Settings) { s.requestReconcile() },
	})
	if err != nil {
		return nil, err
	}
	s.pbx.SetEmitter(s.manager)
	s.pbx.RegisterModule("manager", "Manager interface", version.Current(), s.manager.Reload)
	s.pbx.RegisterModule("app_voicemail", "Voicemail storage", version.Current(), nil)
	if err := s.tasks.RegisterCommands(s.console); err != nil {
		return nil, err
	}
	if err := s.pbx.RegisterCommands(s.console); err != nil {
		return nil, err
	}

	if cfg.HTTPListen != "" {
		handler := s.manager.HTTPHandler(cfg.HTTPPrefix)
		if s.telemetry.tracing() {
			handler = otelhttp.NewHandler(handler, "amid.http",
				otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
		}
		s.httpSrv = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}
	built = true
	return s, nil
}

// Manager exposes the manager core, for embedding hosts that emit events
// or register actions.
func (s *Server) Manager() *manager.Manager { return s.manager }

// PBX exposes the in-memory telephony collaborators.
func (s *Server) PBX() *mempbx.PBX { return s.pbx }

// Console exposes the CLI command registry.
func (s *Server) Console() *cli.Registry { return s.console }

// Start binds the listeners and serves until Shutdown. It returns the first
// fatal error, or nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("amid: server shut down")
	}
	s.mu.Unlock()

	if err := s.reconcile(); err != nil {
		return err
	}
	if s.httpSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.HTTPListen)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", s.cfg.HTTPListen, err)
		}
		s.mu.Lock()
		s.httpLn = ln
		s.mu.Unlock()
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("amid.server.http.serve_failed", "error", err)
				s.recordListenErr(err)
			}
		}()
		s.logger.Info("amid.server.http.listening", "address", ln.Addr().String(), "prefix", s.cfg.HTTPPrefix)
	}
	if s.cfg.WatchConfig {
		w, err := s.manager.WatchConfig(s.ctx)
		if err != nil {
			return err
		}
		s.watcher = w
	}
	s.background.Add(2)
	go func() {
		defer s.background.Done()
		s.manager.RunSweeper(s.ctx)
	}()
	go s.reconcileLoop()

	s.logger.Info("amid.server.started", "version", version.Current(), "config_dir", s.cfg.ConfigDir)
	s.readyOnce.Do(func() { close(s.readyCh) })
	<-s.stopCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenErr
}

// WaitUntilReady blocks until Start has bound its listeners or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AMIAddr is the bound plain line transport address, nil when not
// listening.
func (s *Server) AMIAddr() net.Addr { return s.listenerAddr(manager.TransportTCP) }

// TLSAddr is the bound TLS line transport address, nil when not listening.
func (s *Server) TLSAddr() net.Addr { return s.listenerAddr(manager.TransportTLS) }

// HTTPAddr is the bound HTTP address, nil when HTTP is off.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

func (s *Server) listenerAddr(transport string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listeners[transport]; l != nil {
		return l.ln.Addr()
	}
	return nil
}

func (s *Server) recordListenErr(err error) {
	s.mu.Lock()
	if s.listenErr == nil {
		s.listenErr = err
	}
	s.mu.Unlock()
}

func (s *Server) requestReconcile() {
	select {
	case s.reconcileCh <- struct{}{}:
	default:
	}
}

func (s *Server) reconcileLoop() {
	defer s.background.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconcileCh:
			if err := s.reconcile(); err != nil {
				s.logger.Error("amid.server.listeners.reconcile_failed", "error", err)
			}
		}
	}
}

// reconcile binds, rebinds or closes the line transport listeners so they
// match the current settings. Sessions on a closed listener keep running.
func (s *Server) reconcile() error {
	settings := s.manager.Settings()
	var errs []error

	plainKey := ""
	if settings.Enabled {
		plainKey = s.cfg.AMIListen
		if plainKey == "" {
			plainKey = net.JoinHostPort(settings.BindAddr, strconv.Itoa(settings.Port))
		}
	}
	errs = append(errs, s.rebind(manager.TransportTCP, plainKey, plainKey, nil))

	tlsKey, tlsAddr := "", ""
	var tlsConfig *tls.Config
	if settings.Enabled && settings.TLSEnabled {
		tlsAddr = s.cfg.TLSListen
		if tlsAddr == "" {
			tlsAddr = net.JoinHostPort(settings.TLSBindAddr, strconv.Itoa(settings.TLSPort))
		}
		cert, key := settings.TLSCert, settings.TLSKey
		if s.cfg.TLSCert != "" {
			cert, key = s.cfg.TLSCert, s.cfg.TLSKey
		}
		tlsKey = tlsAddr + "|" + cert + "|" + key + "|" + settings.TLSCipher
		s.mu.Lock()
		current := s.listeners[manager.TransportTLS]
		s.mu.Unlock()
		if current == nil || current.key != tlsKey {
			cfg, err := tlsutil.ServerConfig(cert, key, settings.TLSCipher)
			if err != nil {
				// a broken certificate leaves the running listener alone
				return errors.Join(append(errs, fmt.Errorf("tls: %w", err))...)
			}
			tlsConfig = cfg
		}
	}
	errs = append(errs, s.rebind(manager.TransportTLS, tlsKey, tlsAddr, tlsConfig))
	return errors.Join(errs...)
}

func (s *Server) rebind(transport, key, addr string, tlsConfig *tls.Config) error {
	s.mu.Lock()
	current := s.listeners[transport]
	if current != nil && current.key == key {
		s.mu.Unlock()
		return nil
	}
	delete(s.listeners, transport)
	s.mu.Unlock()
	if current != nil {
		_ = current.ln.Close()
		<-current.done
		s.logger.Info("amid.server.ami.closed", "transport", transport, "address", current.ln.Addr().String())
	}
	if key == "" {
		return nil
	}
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", transport, addr, err)
	}
	var ln net.Listener = raw
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	ln = s.guard.WrapListener(ln, tlsConfig)
	l := &amiListener{transport: transport, key: key, ln: ln, done: make(chan struct{})}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listeners[transport] = l
	s.mu.Unlock()
	go s.acceptLoop(l)
	s.logger.Info("amid.server.ami.listening", "transport", transport, "address", raw.Addr().String(), "max_connections", s.cfg.MaxConnections)
	return nil
}

func (s *Server) acceptLoop(l *amiListener) {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("amid.server.ami.accept_failed", "transport", l.transport, "error", err)
			}
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.manager.ServeConn(s.ctx, conn, l.transport)
		}()
	}
}

// Shutdown stops accepting, ends every session and releases the PBX and
// telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.logger.Info("amid.server.shutdown.begin")
	err := s.teardown(ctx)
	close(s.stopCh)
	s.logger.Info("amid.server.shutdown.complete")
	return err
}

// Close shuts the server down with the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) teardown(ctx context.Context) error {
	var errs []error
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[string]*amiListener)
	s.mu.Unlock()
	for _, l := range listeners {
		_ = l.ln.Close()
		<-l.done
	}
	// long polls watch the base context, so cancel before draining HTTP
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	s.conns.Wait()
	s.background.Wait()
	if s.pbx != nil {
		s.pbx.Close()
	}
	if s.tasks != nil {
		s.tasks.Shutdown()
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. The returned stop function shuts it down gracefully.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	return srv, stop, nil
}
