// Package manager implements the manager interface: an authenticated,
// permission gated action protocol over line (TCP/TLS) and HTTP transports,
// plus the event bus that fans formatted events out to every subscribed
// session and in-process hook.
//
// Events are formatted once by Emit, appended to an append-only log and
// read by each session through its own cursor. A session's worker drains its
// cursor after every reply and whenever the emitter wakes it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/amid/internal/cli"
	"pkt.systems/amid/internal/clock"
	"pkt.systems/amid/internal/connguard"
	"pkt.systems/amid/internal/eventq"
	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/pbxconf"
	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/amid/internal/taskproc"
	"pkt.systems/pslog"
)

// Default file names inside the configuration directory.
const (
	DefaultConfigName         = "manager.conf"
	DefaultCLIPermissionsName = "cli_permissions.conf"
	// DefaultAuthPenalty is slept before answering a failed login.
	DefaultAuthPenalty = time.Second
)

// Options configures a Manager.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// Tasks hosts the reload taskprocessor. A private registry is created
	// when nil.
	Tasks *taskproc.Registry
	// ConfigDir holds manager.conf and cli_permissions.conf. Without it the
	// manager runs on defaults with no accounts.
	ConfigDir          string
	ConfigName         string
	CLIPermissionsName string
	PBX                pbx.PBX
	// CLI runs the Command action. The manager registers its own console
	// commands on it.
	CLI *cli.Registry
	// Guard records authentication failures. May be nil.
	Guard       *connguard.Guard
	Banner      string
	AuthPenalty time.Duration
	// Nonce generates Challenge values. Tests pin it.
	Nonce func() string
	// OnReload observes every published settings record.
	OnReload func(*Settings)
	// DisableMetrics skips the OpenTelemetry instruments.
	DisableMetrics bool
}

// Manager is the manager interface core.
type Manager struct {
	logger     pslog.Logger
	httpLogger pslog.Logger
	clock      clock.Clock

	events   *eventq.Log
	users    *userRegistry
	sessions *sessionRegistry
	actions  actionRegistry
	hooks    hookRegistry

	settings   atomic.Pointer[Settings]
	settingsMu sync.Mutex
	debugSeq   atomic.Uint64

	tasks      *taskproc.Registry
	ownTasks   bool
	reloadProc *taskproc.Processor

	confDir      *pbxconf.Dir
	confName     string
	cliPermsName string
	cliPerms     atomic.Pointer[cli.Permissions]
	onReload     func(*Settings)

	cli         *cli.Registry
	pbx         pbx.PBX
	guard       *connguard.Guard
	banner      string
	authPenalty time.Duration
	nonce       func() string

	metrics *managerMetrics
	tracer  trace.Tracer

	lifecycle context.Context
	cancel    context.CancelFunc
	async     sync.WaitGroup
	closeOnce sync.Once
}

// New builds a manager, registers the built-in actions and console
// commands, and loads the configuration once.
func New(opts Options) (*Manager, error) {
	logger := svcfields.WithSubsystem(opts.Logger, "manager")
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ConfigName == "" {
		opts.ConfigName = DefaultConfigName
	}
	if opts.CLIPermissionsName == "" {
		opts.CLIPermissionsName = DefaultCLIPermissionsName
	}
	if opts.Banner == "" {
		opts.Banner = DefaultBanner
	}
	if opts.AuthPenalty == 0 {
		opts.AuthPenalty = DefaultAuthPenalty
	}
	if opts.Nonce == nil {
		opts.Nonce = defaultNonce
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:       logger,
		httpLogger:   svcfields.WithSubsystem(opts.Logger, "manager.http"),
		clock:        opts.Clock,
		events:       eventq.New(),
		users:        newUserRegistry(),
		sessions:     newSessionRegistry(),
		tasks:        opts.Tasks,
		confName:     opts.ConfigName,
		cliPermsName: opts.CLIPermissionsName,
		onReload:     opts.OnReload,
		cli:          opts.CLI,
		pbx:          opts.PBX,
		guard:        opts.Guard,
		banner:       opts.Banner,
		authPenalty:  opts.AuthPenalty,
		nonce:        opts.Nonce,
		tracer:       otel.Tracer("pkt.systems/amid/manager"),
		lifecycle:    lifecycle,
		cancel:       cancel,
	}
	if opts.ConfigDir != "" {
		m.confDir = pbxconf.NewDir(opts.ConfigDir)
	}
	if m.tasks == nil {
		m.tasks = taskproc.NewRegistry(opts.Logger)
		m.ownTasks = true
	}
	m.publishSettings(DefaultSettings())
	if !opts.DisableMetrics {
		m.metrics = newManagerMetrics(logger, m)
	}

	proc, err := m.tasks.Get(ReloadProcessor, taskproc.CreateIfMissing)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("manager: reload processor: %w", err)
	}
	m.reloadProc = proc

	if err := m.registerBuiltins(); err != nil {
		m.Close()
		return nil, err
	}
	if m.cli != nil {
		if err := m.RegisterCommands(m.cli); err != nil {
			m.Close()
			return nil, err
		}
	}
	if err := m.Reload(context.Background()); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Events returns the event log.
func (m *Manager) Events() *eventq.Log {
	return m.events
}

// Banner is the greeting sent on line transport connect.
func (m *Manager) Banner() string {
	return m.banner
}

// Close destroys every session, waits for asynchronous originates and
// releases the reload taskprocessor.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		for _, s := range m.sessions.snapshot() {
			m.destroySession(s, "shutdown")
		}
		m.async.Wait()
		if m.reloadProc != nil {
			m.tasks.Unref(m.reloadProc)
		}
		if m.ownTasks {
			m.tasks.Shutdown()
		}
		m.logger.Debug("amid.manager.closed")
	})
}

// errClosed is returned by operations on a closed manager.
var errClosed = errors.New("manager: closed")

func (m *Manager) alive() error {
	if m.lifecycle.Err() != nil {
		return errClosed
	}
	return nil
}
