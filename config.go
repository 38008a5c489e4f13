package amid

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"pkt.systems/amid/internal/manager"
)

const (
	// DefaultConfigDir is where manager.conf and cli_permissions.conf live.
	DefaultConfigDir = "/etc/amid"
	// DefaultHTTPListen is the HTTP binding for /rawman, /manager and /mxml.
	DefaultHTTPListen = ":8088"
	// DefaultMaxConnections caps concurrent line transport connections per
	// listener.
	DefaultMaxConnections = 1024
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultGuardFailureThreshold blocks a host after this many failed logins
	// inside DefaultGuardFailureWindow.
	DefaultGuardFailureThreshold = 5
	// DefaultGuardFailureWindow is the period failures are counted over.
	DefaultGuardFailureWindow = time.Minute
	// DefaultGuardBlockDuration is how long a blocked host stays blocked.
	DefaultGuardBlockDuration = 5 * time.Minute
)

// Config is the daemon configuration. It complements manager.conf: the
// manager section of that file owns users and protocol behaviour, Config
// owns process-level concerns and may override the listen addresses.
type Config struct {
	// ConfigDir holds manager.conf and friends.
	ConfigDir string
	// ConfigName is the manager configuration file name inside ConfigDir.
	ConfigName string
	// CLIPermissionsName is the console permissions file name inside ConfigDir.
	CLIPermissionsName string
	// WatchConfig reloads the manager when its files change on disk.
	WatchConfig bool

	// AMIListen overrides bindaddr/port from manager.conf when set.
	AMIListen string
	// TLSListen overrides sslbindaddr/sslbindport when set.
	TLSListen string
	// TLSCert and TLSKey override sslcert/sslprivatekey.
	TLSCert string
	TLSKey  string
	// HTTPListen is the HTTP binding; "off" disables the HTTP transport.
	HTTPListen string
	// HTTPPrefix is prepended to the HTTP endpoint paths.
	HTTPPrefix string
	// MaxConnections caps concurrent line transport connections per
	// listener; zero uses DefaultMaxConnections, negative disables the cap.
	MaxConnections int

	// Banner overrides the greeting line.
	Banner string
	// AuthPenalty is the delay after a failed login; negative disables it.
	AuthPenalty time.Duration

	// SystemName, MaxCalls and MaxLoadAvg are reported by CoreSettings.
	SystemName string
	MaxCalls   int
	MaxLoadAvg float64

	// GuardDisabled turns the failed-login guard off.
	GuardDisabled         bool
	GuardFailureThreshold int
	GuardFailureWindow    time.Duration
	GuardBlockDuration    time.Duration

	// MetricsListen is the Prometheus scrape endpoint; empty disables it.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or a bare host:port for insecure gRPC).
	OTLPEndpoint string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConfigDir) == "" {
		c.ConfigDir = DefaultConfigDir
	}
	if c.ConfigName == "" {
		c.ConfigName = manager.DefaultConfigName
	}
	if c.CLIPermissionsName == "" {
		c.CLIPermissionsName = manager.DefaultCLIPermissionsName
	}
	if strings.ContainsAny(c.ConfigName, `/\`) || strings.ContainsAny(c.CLIPermissionsName, `/\`) {
		return fmt.Errorf("config: configuration file names must not contain path separators")
	}
	if fi, err := os.Stat(c.ConfigDir); err != nil {
		return fmt.Errorf("config: config dir: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("config: config dir %s is not a directory", c.ConfigDir)
	}
	for name, addr := range map[string]string{"ami-listen": c.AMIListen, "tls-listen": c.TLSListen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.HTTPListen)) {
	case "":
		c.HTTPListen = DefaultHTTPListen
	case "off", "none", "disabled":
		c.HTTPListen = ""
	default:
		if _, _, err := net.SplitHostPort(c.HTTPListen); err != nil {
			return fmt.Errorf("config: http-listen: %w", err)
		}
	}
	if c.HTTPPrefix != "" {
		c.HTTPPrefix = "/" + strings.Trim(c.HTTPPrefix, "/")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.TLSKey != "" && c.TLSCert == "" {
		return fmt.Errorf("config: tls-key requires tls-cert")
	}
	if c.MaxCalls < 0 || c.MaxLoadAvg < 0 {
		return fmt.Errorf("config: max calls and max load must be >= 0")
	}
	if c.GuardFailureThreshold == 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	} else if c.GuardFailureThreshold < 0 {
		return fmt.Errorf("config: guard failure threshold must be >= 0")
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
