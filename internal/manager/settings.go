package manager

import (
	"time"
)

// Default transport values.
const (
	DefaultPort         = 5038
	DefaultTLSPort      = 5039
	DefaultHTTPTimeout  = 60 * time.Second
	DefaultWriteTimeout = 100 * time.Millisecond
	DefaultBanner       = "Asterisk Call Manager/1.1"

	// unauthenticatedHTTPTimeout caps the idle period of an HTTP session
	// that has not logged in.
	unauthenticatedHTTPTimeout = 5 * time.Second
	// waitEventSlack is kept between a WaitEvent deadline and the HTTP
	// session expiry.
	waitEventSlack = 10 * time.Second
)

// Settings is the [general] section of manager.conf. A Settings value is
// immutable once published; changes produce a copy with a higher Generation.
type Settings struct {
	Enabled    bool
	WebEnabled bool

	Port     int
	BindAddr string

	TLSEnabled  bool
	TLSPort     int
	TLSBindAddr string
	TLSCert     string
	TLSKey      string
	TLSCipher   string

	BlockSockets       bool
	AllowMultipleLogin bool
	DisplayConnects    bool
	TimestampEvents    bool
	Debug              bool
	HTTPTimeout        time.Duration

	// OriginateLocalPort, when non-zero, is appended as @<local-ip>:<port>
	// to Originate channels that carry no host part.
	OriginateLocalPort int

	Generation uint64
}

// DefaultSettings returns the values used when manager.conf is absent or
// leaves a key unset.
func DefaultSettings() Settings {
	return Settings{
		Port:               DefaultPort,
		BindAddr:           "0.0.0.0",
		TLSPort:            DefaultTLSPort,
		TLSBindAddr:        "0.0.0.0",
		AllowMultipleLogin: true,
		DisplayConnects:    true,
		HTTPTimeout:        DefaultHTTPTimeout,
	}
}

// Settings returns the current settings record.
func (m *Manager) Settings() *Settings {
	return m.settings.Load()
}

// publishSettings installs s as the current record and bumps the generation.
func (m *Manager) publishSettings(s Settings) *Settings {
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()
	if cur := m.settings.Load(); cur != nil {
		s.Generation = cur.Generation + 1
	} else {
		s.Generation = 1
	}
	next := s
	m.settings.Store(&next)
	return &next
}

// SetDebug toggles event debug headers without a reload.
func (m *Manager) SetDebug(on bool) {
	s := *m.Settings()
	s.Debug = on
	m.publishSettings(s)
	m.logger.Info("amid.manager.debug", "enabled", on)
}
