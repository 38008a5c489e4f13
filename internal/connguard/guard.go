// Package connguard blocks peers that keep failing manager authentication or
// TLS handshakes. Blocked peers are dropped at accept time on the line
// transport and refused with 403 on HTTP.
package connguard

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles enforcement. A disabled guard never blocks.
	Enabled bool
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a host.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
	// HandshakeTimeout bounds TLS handshakes performed at accept time.
	HandshakeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per host. Ports are ignored so a client cannot dodge
// the block by reconnecting from a new source port.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	hosts  map[string]*hostState
}

// New returns a guard. Zero durations get defaults.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "manager.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// RecordFailure counts a failure for remote and reports whether the host is
// now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("amid.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("amid.connguard.blocked",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared as a side effect.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("amid.connguard.released", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// BlockedHosts returns the hosts currently blocked and when each block ends.
func (g *Guard) BlockedHosts() map[string]time.Time {
	out := make(map[string]time.Time)
	if g == nil {
		return out
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for host, state := range g.hosts {
		if state.blockedUntil.After(now) {
			out[host] = state.blockedUntil
		}
	}
	return out
}

// hostOf extracts the host component of a remote address.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return strings.Trim(raw, "[]")
}

// WrapListener drops connections from blocked hosts. With a TLS config the
// handshake is performed at accept time and failed handshakes count as
// failures.
func (g *Guard) WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		if tlsConfig != nil && ln != nil {
			return tls.NewListener(ln, tlsConfig)
		}
		return ln
	}
	return &guardedListener{Listener: ln, guard: g, tlsConfig: tlsConfig}
}

// Middleware refuses HTTP requests from blocked hosts.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Blocked(r.RemoteAddr) {
			g.logger.Debug("amid.connguard.rejected", "remote", hostOf(r.RemoteAddr), "transport", "http")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type guardedListener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config
}

// Accept returns the next connection from a host that is not blocked.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, err := l.admit(conn)
		if err == nil {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

var errBlocked = errors.New("connguard: host blocked")

func (l *guardedListener) admit(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("amid.connguard.rejected", "remote", hostOf(remote), "transport", "tcp")
		return nil, errBlocked
	}
	if l.tlsConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Server(conn, l.tlsConfig)
	_ = tlsConn.SetDeadline(l.guard.now().Add(l.guard.cfg.HandshakeTimeout))
	err := tlsConn.Handshake()
	_ = tlsConn.SetDeadline(time.Time{})
	if err != nil {
		var netErr net.Error
		if !(errors.As(err, &netErr) && netErr.Timeout()) {
			l.guard.RecordFailure(remote, "tls_handshake")
		}
		return nil, err
	}
	return tlsConn, nil
}
