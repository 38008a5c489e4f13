package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/amid/internal/acl"
	"pkt.systems/amid/internal/cli"
	"pkt.systems/amid/internal/pbxconf"
	"pkt.systems/amid/internal/perm"
)

// ReloadProcessor serialises configuration reloads.
const ReloadProcessor = "manager-reload"

// ParseConfig reads the [general] section and the account sections of a
// manager.conf. Problems with individual keys are returned as warnings; the
// remaining configuration is still usable.
func ParseConfig(f *pbxconf.File) (Settings, []*User, []error) {
	s := DefaultSettings()
	var warnings []error
	if f == nil {
		return s, nil, nil
	}
	if general, ok := f.Category("general"); ok {
		warnings = append(warnings, parseGeneral(general, &s)...)
	}
	var users []*User
	for _, cat := range f.Categories {
		if strings.EqualFold(cat.Name, "general") {
			continue
		}
		u, errs := parseUser(cat, s.DisplayConnects)
		warnings = append(warnings, errs...)
		users = append(users, u)
	}
	return s, users, warnings
}

func parseGeneral(cat *pbxconf.Category, s *Settings) []error {
	var warnings []error
	intValue := func(key, raw string, dst *int) {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 || n > 65535 {
			warnings = append(warnings, fmt.Errorf("manager.conf [general] %s: invalid value %q", key, raw))
			return
		}
		*dst = n
	}
	for _, v := range cat.Vars {
		switch strings.ToLower(v.Name) {
		case "enabled":
			s.Enabled = perm.IsTrue(v.Value)
		case "webenabled":
			s.WebEnabled = perm.IsTrue(v.Value)
		case "port":
			intValue(v.Name, v.Value, &s.Port)
		case "bindaddr":
			s.BindAddr = strings.TrimSpace(v.Value)
		case "sslenable", "tlsenable":
			s.TLSEnabled = perm.IsTrue(v.Value)
		case "sslbindport", "tlsbindport":
			intValue(v.Name, v.Value, &s.TLSPort)
		case "sslbindaddr", "tlsbindaddr":
			s.TLSBindAddr = strings.TrimSpace(v.Value)
		case "sslcert", "tlscertfile":
			s.TLSCert = strings.TrimSpace(v.Value)
		case "sslprivatekey", "tlsprivatekey":
			s.TLSKey = strings.TrimSpace(v.Value)
		case "sslcipher", "tlscipher":
			s.TLSCipher = strings.TrimSpace(v.Value)
		case "block-sockets":
			s.BlockSockets = perm.IsTrue(v.Value)
		case "allowmultiplelogin":
			s.AllowMultipleLogin = perm.IsTrue(v.Value)
		case "displayconnects":
			s.DisplayConnects = perm.IsTrue(v.Value)
		case "timestampevents":
			s.TimestampEvents = perm.IsTrue(v.Value)
		case "debug":
			s.Debug = perm.IsTrue(v.Value)
		case "httptimeout":
			n, err := strconv.Atoi(strings.TrimSpace(v.Value))
			if err != nil || n <= 0 {
				warnings = append(warnings, fmt.Errorf("manager.conf [general] httptimeout: invalid value %q", v.Value))
				continue
			}
			s.HTTPTimeout = time.Duration(n) * time.Second
		case "originatelocalport":
			intValue(v.Name, v.Value, &s.OriginateLocalPort)
		default:
			warnings = append(warnings, fmt.Errorf("manager.conf [general]: unknown key %q", v.Name))
		}
	}
	return warnings
}

func parseUser(cat *pbxconf.Category, displayDefault bool) (*User, []error) {
	u := &User{
		Name:            cat.Name,
		ACL:             &acl.List{},
		WriteTimeout:    DefaultWriteTimeout,
		DisplayConnects: displayDefault,
	}
	var warnings []error
	for _, v := range cat.Vars {
		switch strings.ToLower(v.Name) {
		case "secret":
			u.Secret = v.Value
		case "permit", "deny":
			sense := acl.Permit
			if strings.EqualFold(v.Name, "deny") {
				sense = acl.Deny
			}
			if err := u.ACL.Append(sense, v.Value); err != nil {
				warnings = append(warnings, fmt.Errorf("manager.conf [%s] %s: %w", cat.Name, v.Name, err))
			}
		case "read":
			u.Read = perm.Parse(v.Value)
		case "write":
			u.Write = perm.Parse(v.Value)
		case "displayconnects":
			u.DisplayConnects = perm.IsTrue(v.Value)
		case "writetimeout":
			ms, err := strconv.Atoi(strings.TrimSpace(v.Value))
			if err != nil || ms < 100 {
				warnings = append(warnings, fmt.Errorf("manager.conf [%s] writetimeout: invalid value %q (minimum 100)", cat.Name, v.Value))
				continue
			}
			u.WriteTimeout = time.Duration(ms) * time.Millisecond
		default:
			warnings = append(warnings, fmt.Errorf("manager.conf [%s]: unknown key %q", cat.Name, v.Name))
		}
	}
	return u, warnings
}

// Reload re-reads manager.conf and cli_permissions.conf on the reload
// taskprocessor and waits for the result. Live sessions keep running with
// the permissions they logged in with.
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.alive(); err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := m.reloadProc.Push(func(any) error {
		err := m.reloadNow()
		done <- err
		return err
	}, nil); err != nil {
		return fmt.Errorf("manager: queue reload: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reloadNow() error {
	logger := m.logger.With("config", m.confName)
	var file *pbxconf.File
	if m.confDir != nil {
		loaded, err := m.confDir.Load(m.confName)
		switch {
		case errors.Is(err, pbxconf.ErrFileNotFound):
			logger.Warn("amid.manager.config.missing", "dir", m.confDir.Root())
		case err != nil:
			logger.Error("amid.manager.config.load_failed", "error", err)
			return fmt.Errorf("manager: load %s: %w", m.confName, err)
		default:
			file = loaded
		}
	}
	settings, users, warnings := ParseConfig(file)
	for _, w := range warnings {
		logger.Warn("amid.manager.config.warning", "error", w)
	}
	published := m.publishSettings(settings)
	added, removed := m.users.replace(users)

	var cliPerms *cli.Permissions
	if m.confDir != nil && m.cliPermsName != "" {
		permsFile, err := m.confDir.Load(m.cliPermsName)
		switch {
		case errors.Is(err, pbxconf.ErrFileNotFound):
		case err != nil:
			logger.Warn("amid.manager.config.cli_permissions_failed", "error", err)
		default:
			cliPerms = cli.ParsePermissions(permsFile)
		}
	}
	m.cliPerms.Store(cliPerms)

	logger.Info("amid.manager.config.reloaded",
		"generation", published.Generation,
		"enabled", published.Enabled,
		"webenabled", published.WebEnabled,
		"users", len(users),
		"added", added,
		"removed", removed,
	)
	if fn := m.onReload; fn != nil {
		fn(published)
	}
	return nil
}
