// Package svcfields holds the canonical structured log keys shared by the
// amid subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting subsystem, e.g. "manager.http".
	SubsystemKey = pslog.TrustedString("sys")
	// SessionKey carries the manager session identifier.
	SessionKey = pslog.TrustedString("session")
	// TransportKey carries the session transport (tcp, tls, http, hook).
	TransportKey = pslog.TrustedString("transport")
	// RemoteKey carries the peer address.
	RemoteKey = pslog.TrustedString("remote")
	// UserKey carries the authenticated manager user.
	UserKey = pslog.TrustedString("user")
)

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry. A nil logger
// becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = Subsystem(subsystem)
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSession tags entries with a manager session. Empty values are left
// out.
func WithSession(logger pslog.Logger, id, transport, remote string) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	kv := make([]any, 0, 6)
	for _, f := range []struct {
		key pslog.TrustedString
		val string
	}{{SessionKey, id}, {TransportKey, transport}, {RemoteKey, remote}} {
		if f.val != "" {
			kv = append(kv, f.key, f.val)
		}
	}
	if len(kv) == 0 {
		return logger
	}
	return logger.With(kv...)
}

// WithUser tags entries with the authenticated user.
func WithUser(logger pslog.Logger, user string) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	if user == "" {
		return logger
	}
	return logger.With(UserKey, user)
}
