package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pkt.systems/amid/internal/cli"
	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

// commandBlacklist lists CLI prefixes the Command action refuses.
var commandBlacklist = [][]string{
	{"module", "load"},
	{"module", "unload"},
	{"restart", "gracefully"},
}

func (m *Manager) registerBuiltins() error {
	builtins := []*Action{
		{Name: "Login", Synopsis: "Login Manager", Handler: m.actionLogin,
			Description: "Authenticate with Username and Secret, or with AuthType: MD5 and Key after a Challenge. Events sets the subscription."},
		{Name: "Challenge", Synopsis: "Generate Challenge for MD5 Auth", Handler: m.actionChallenge,
			Description: "Returns a nonce to be hashed with the secret for AuthType: MD5 logins."},
		{Name: "Logoff", Synopsis: "Logoff Manager", Handler: m.actionLogoff,
			Description: "Closes the session after replying Goodbye."},
		{Name: "Ping", Synopsis: "Keepalive command", Handler: m.actionPing,
			Description: "Replies Ping: Pong."},
		{Name: "Events", Synopsis: "Control Event Flow", Handler: m.actionEvents,
			Description: "EventMask: on, off, a number or a comma list of categories."},
		{Name: "ListCommands", Synopsis: "List available manager commands", Handler: m.actionListCommands,
			Description: "Lists the actions the session may call."},
		{Name: "WaitEvent", Synopsis: "Wait for an event to occur", Handler: m.actionWaitEvent,
			Description: "Blocks up to Timeout seconds for events, returns them followed by WaitEventComplete."},
		{Name: "UserEvent", Required: perm.User, Synopsis: "Send an arbitrary event", Handler: m.actionUserEvent,
			Description: "Emits UserEvent with every other header of the request echoed."},
		{Name: "Command", Required: perm.Command, Synopsis: "Execute CLI Command", Handler: m.actionCommand,
			Description: "Runs Command through the CLI and returns its output."},
		{Name: "CoreSettings", Required: perm.System, Synopsis: "Show PBX core settings (version etc)", Handler: m.actionCoreSettings},
		{Name: "CoreStatus", Required: perm.System, Synopsis: "Show PBX core status variables", Handler: m.actionCoreStatus},
		{Name: "Reload", Required: perm.System | perm.Config, Synopsis: "Send a reload event", Handler: m.actionReload,
			Description: "Reloads Module, or every module when Module is absent."},
		{Name: "ModuleLoad", Required: perm.System, Synopsis: "Module management", Handler: m.actionModuleLoad,
			Description: "LoadType: load, unload or reload. Module names the module; reload without Module reloads all."},
		{Name: "ModuleCheck", Required: perm.System, Synopsis: "Check if module is loaded", Handler: m.actionModuleCheck},
	}
	builtins = append(builtins, m.channelActions()...)
	builtins = append(builtins, m.configActions()...)
	builtins = append(builtins, m.voicemailActions()...)
	for _, a := range builtins {
		if err := m.RegisterAction(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) actionPing(_ context.Context, r *Request) (Result, error) {
	r.Begin(KindSuccess).Header("Ping", "Pong").End()
	return ResultContinue, nil
}

func (m *Manager) actionEvents(_ context.Context, r *Request) (Result, error) {
	mask, ok := perm.ParseEvents(r.Get("EventMask"))
	if !ok {
		r.Error("Invalid event mask")
		return ResultContinue, nil
	}
	r.Session.SetSendMask(mask)
	state := "On"
	if mask == 0 {
		state = "Off"
	}
	r.Begin(KindSuccess).Header("Events", state).End()
	return ResultContinue, nil
}

func (m *Manager) actionListCommands(_ context.Context, r *Request) (Result, error) {
	write := r.Session.WriteMask()
	r.Begin(KindSuccess)
	for _, a := range m.actions.list() {
		if !a.Allowed(write) {
			continue
		}
		r.Headerf(a.Name, "%s (Priv: %s)", a.Synopsis, a.Privilege().String())
	}
	r.End()
	return ResultContinue, nil
}

func (m *Manager) actionWaitEvent(ctx context.Context, r *Request) (Result, error) {
	s := r.Session
	settings := m.Settings()
	timeout := time.Duration(-1)
	if s.id != 0 {
		timeout = settings.HTTPTimeout
	}
	if v := r.Get("Timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.Error("Invalid timeout")
			return ResultContinue, nil
		}
		timeout = time.Duration(n) * time.Second
		if n < 0 {
			timeout = -1
		}
	}
	if s.id != 0 {
		limit := s.Expiry().Sub(m.clock.Now()) - waitEventSlack
		if limit < 0 {
			limit = 0
		}
		if timeout < 0 || timeout > limit {
			timeout = limit
		}
	}

	gen, stop := s.beginWait()
	var deadline <-chan time.Time
	if timeout >= 0 {
		deadline = m.clock.After(timeout)
	}
wait:
	for {
		if s.closing() || s.hasPending() || s.pendingInput.Load() > 0 {
			break
		}
		select {
		case <-s.wake:
		case <-stop:
			break wait
		case <-deadline:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	if !s.endWait(gen) {
		s.logger.Debug("amid.manager.waitevent.abandoned")
		return ResultContinue, nil
	}
	events := s.collectEvents()
	r.Ack("Waiting for Event completed.")
	for _, ev := range events {
		r.Raw(ev)
	}
	r.Event("WaitEventComplete")
	return ResultContinue, nil
}

func (m *Manager) actionUserEvent(_ context.Context, r *Request) (Result, error) {
	name := r.Get("UserEvent")
	if name == "" {
		r.Error("UserEvent not specified")
		return ResultContinue, nil
	}
	headers := []wire.Header{{Name: "UserEvent", Value: name}}
	for _, h := range r.Message.Headers() {
		if strings.EqualFold(h.Name, "Action") || strings.EqualFold(h.Name, "UserEvent") {
			continue
		}
		headers = append(headers, h)
	}
	m.Emit(perm.User, "UserEvent", headers...)
	r.Ack("Event Sent")
	return ResultContinue, nil
}

func commandBlacklisted(line string) bool {
	words := cli.Tokenize(strings.ToLower(line))
	for _, prefix := range commandBlacklist {
		if len(words) < len(prefix) {
			continue
		}
		match := true
		for i, w := range prefix {
			if words[i] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (m *Manager) actionCommand(ctx context.Context, r *Request) (Result, error) {
	line := r.Get("Command")
	if line == "" {
		r.Error("No command provided")
		return ResultContinue, nil
	}
	if commandBlacklisted(line) {
		r.Error("Command blacklisted")
		return ResultContinue, nil
	}
	if !m.cliPerms.Load().Allowed(r.Session.Username(), line) {
		r.Session.logger.Debug("amid.manager.command.denied", "command", line)
		r.Error("Permission denied")
		return ResultContinue, nil
	}
	if m.cli == nil {
		r.Error("Command not available")
		return ResultContinue, nil
	}
	var out bytes.Buffer
	if err := m.cli.Exec(ctx, &out, line); err != nil && !errors.Is(err, cli.ErrNoSuchCommand) && !errors.Is(err, cli.ErrShowUsage) {
		fmt.Fprintf(&out, "%v\n", err)
	}
	r.Follows(out.String())
	return ResultContinue, nil
}

func (m *Manager) actionCoreSettings(_ context.Context, r *Request) (Result, error) {
	if m.pbx.Core == nil {
		r.Error("Core status not available")
		return ResultContinue, nil
	}
	info := m.pbx.Core.Info()
	r.Begin(KindSuccess).
		Header("AMIversion", "1.1").
		Header("AsteriskVersion", info.Version).
		Header("SystemName", info.SystemName).
		Header("CoreMaxCalls", strconv.Itoa(info.MaxCalls)).
		Header("CoreMaxLoadAvg", strconv.FormatFloat(info.MaxLoadAvg, 'f', 6, 64)).
		Header("CoreRunUser", info.RunUser).
		Header("CoreRunGroup", info.RunGroup).
		Header("CoreCDRenabled", yesNo(info.CDREnabled)).
		Header("CoreHTTPenabled", yesNo(m.Settings().WebEnabled || info.HTTPEnabled)).
		End()
	return ResultContinue, nil
}

func (m *Manager) actionCoreStatus(_ context.Context, r *Request) (Result, error) {
	if m.pbx.Core == nil {
		r.Error("Core status not available")
		return ResultContinue, nil
	}
	info := m.pbx.Core.Info()
	r.Begin(KindSuccess).
		Header("CoreStartupDate", info.StartTime.Format("2006-01-02")).
		Header("CoreStartupTime", info.StartTime.Format("15:04:05")).
		Header("CoreReloadDate", info.LastReload.Format("2006-01-02")).
		Header("CoreReloadTime", info.LastReload.Format("15:04:05")).
		Header("CoreCurrentCalls", strconv.Itoa(info.CurrentCalls)).
		Header("CoreLoadAverage", strconv.FormatFloat(info.LoadAvg, 'f', 2, 64)).
		End()
	return ResultContinue, nil
}

func (m *Manager) actionReload(ctx context.Context, r *Request) (Result, error) {
	if m.pbx.Modules == nil {
		r.Error("Reload not available")
		return ResultContinue, nil
	}
	module := r.Get("Module")
	if err := m.pbx.Modules.ReloadModule(ctx, module); err != nil {
		if errors.Is(err, pbx.ErrNoSuchModule) {
			r.Error("No such module")
			return ResultContinue, nil
		}
		r.Session.logger.Warn("amid.manager.reload_failed", "module", module, "error", err)
		r.Error("Reload failed")
		return ResultContinue, nil
	}
	r.Ack("Module Reloaded")
	return ResultContinue, nil
}

func (m *Manager) actionModuleLoad(ctx context.Context, r *Request) (Result, error) {
	if m.pbx.Modules == nil {
		r.Error("Module management not available")
		return ResultContinue, nil
	}
	module := r.Get("Module")
	loadType := strings.ToLower(r.Get("LoadType"))
	if loadType == "" || (module == "" && loadType != "reload") {
		r.Error("Incomplete ModuleLoad action.")
		return ResultContinue, nil
	}
	switch loadType {
	case "load":
		if err := m.pbx.Modules.LoadModule(module); err != nil {
			r.Error("Could not load module.")
			return ResultContinue, nil
		}
		r.Ack("Module loaded.")
	case "unload":
		if err := m.pbx.Modules.UnloadModule(module); err != nil {
			r.Error("Could not unload module.")
			return ResultContinue, nil
		}
		r.Ack("Module unloaded.")
	case "reload":
		if err := m.pbx.Modules.ReloadModule(ctx, module); err != nil {
			if errors.Is(err, pbx.ErrNoSuchModule) {
				r.Error("No such module.")
			} else {
				r.Error("Module does not support reload.")
			}
			return ResultContinue, nil
		}
		r.Ack("Module reloaded.")
	default:
		r.Error("Incomplete ModuleLoad action.")
	}
	return ResultContinue, nil
}

func (m *Manager) actionModuleCheck(_ context.Context, r *Request) (Result, error) {
	if m.pbx.Modules == nil {
		r.Error("Module management not available")
		return ResultContinue, nil
	}
	module := r.Get("Module")
	if module == "" {
		r.Error("Module not specified")
		return ResultContinue, nil
	}
	info, err := m.pbx.Modules.CheckModule(module)
	if err != nil {
		r.Error("Module not loaded")
		return ResultContinue, nil
	}
	r.Begin(KindSuccess).Header("Version", info.Version).End()
	return ResultContinue, nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
