package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

const defaultOriginateTimeout = 30 * time.Second

func (m *Manager) channelActions() []*Action {
	return []*Action{
		{Name: "Hangup", AnyOf: perm.System | perm.Call, Synopsis: "Hangup Channel", Handler: m.actionHangup,
			Description: "Soft hangup of Channel. Cause sets the hangup cause (default 16)."},
		{Name: "Status", AnyOf: perm.System | perm.Call | perm.Reporting, Synopsis: "Lists channel status", Handler: m.actionStatus,
			Description: "One Status event per channel (or for Channel only) followed by StatusComplete. Variables is a comma list of channel variables to include."},
		{Name: "Redirect", Required: perm.Call, Synopsis: "Redirect (transfer) a call", Handler: m.actionRedirect,
			Description: "Moves Channel (and optionally ExtraChannel) to Context, Exten, Priority."},
		{Name: "Atxfer", Required: perm.Call, Synopsis: "Attended transfer", Handler: m.actionAtxfer},
		{Name: "Originate", Required: perm.Originate, Synopsis: "Originate Call", Handler: m.actionOriginate,
			Description: "Places a call from Channel to Context/Exten/Priority or to Application/Data. Async: true returns at once and reports OriginateResponse."},
		{Name: "Setvar", Required: perm.Call, Synopsis: "Set Channel Variable", Handler: m.actionSetVar,
			Description: "Sets Variable to Value on Channel, or globally without Channel. Names ending in ')' are dialplan function writes."},
		{Name: "Getvar", AnyOf: perm.Call | perm.Reporting, Synopsis: "Gets a Channel Variable", Handler: m.actionGetVar},
		{Name: "AbsoluteTimeout", AnyOf: perm.System | perm.Call, Synopsis: "Set Absolute Timeout", Handler: m.actionAbsoluteTimeout},
		{Name: "SendText", Required: perm.Call, Synopsis: "Send text message to channel", Handler: m.actionSendText},
		{Name: "ExtensionState", AnyOf: perm.Call | perm.Reporting, Synopsis: "Check Extension Status", Handler: m.actionExtensionState},
		{Name: "CoreShowChannels", Required: perm.System, Synopsis: "List currently active channels", Handler: m.actionCoreShowChannels},
	}
}

func (m *Manager) channels(r *Request) (pbx.Channels, bool) {
	if m.pbx.Channels == nil {
		r.Error("Channel management not available")
		return nil, false
	}
	return m.pbx.Channels, true
}

func (m *Manager) actionHangup(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	name := r.Get("Channel")
	if name == "" {
		r.Error("No channel specified")
		return ResultContinue, nil
	}
	cause := 16
	if v := r.Get("Cause"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			r.Error("Invalid cause")
			return ResultContinue, nil
		}
		cause = n
	}
	if err := chans.SoftHangup(name, cause); err != nil {
		if errors.Is(err, pbx.ErrNoSuchChannel) {
			r.Error("No such channel")
			return ResultContinue, nil
		}
		return ResultContinue, err
	}
	r.Ack("Channel Hungup")
	return ResultContinue, nil
}

func (m *Manager) actionStatus(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	var list []pbx.Channel
	if name := r.Get("Channel"); name != "" {
		ch, err := chans.Channel(name)
		if err != nil {
			r.Error("No such channel")
			return ResultContinue, nil
		}
		list = []pbx.Channel{ch}
	} else {
		list = chans.ListChannels()
	}
	var vars []string
	for _, v := range strings.Split(r.Get("Variables"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			vars = append(vars, v)
		}
	}
	now := m.clock.Now()
	r.Ack("Channel status will follow")
	for _, ch := range list {
		headers := []wire.Header{
			{Name: "Privilege", Value: "Call"},
			{Name: "Channel", Value: ch.Name},
			{Name: "CallerIDNum", Value: orUnknown(ch.CallerIDNum)},
			{Name: "CallerIDName", Value: orUnknown(ch.CallerIDName)},
			{Name: "Accountcode", Value: ch.AccountCode},
			{Name: "ChannelState", Value: strconv.Itoa(int(ch.State))},
			{Name: "ChannelStateDesc", Value: ch.State.String()},
			{Name: "Context", Value: ch.Context},
			{Name: "Extension", Value: ch.Exten},
			{Name: "Priority", Value: strconv.Itoa(ch.Priority)},
			{Name: "Seconds", Value: strconv.Itoa(int(ch.Duration(now).Seconds()))},
		}
		if ch.BridgedTo != "" {
			headers = append(headers, wire.Header{Name: "BridgedChannel", Value: ch.BridgedTo})
		}
		for _, v := range vars {
			value, _ := chans.GetVar(ch.Name, v)
			headers = append(headers, wire.Header{Name: "Variable", Value: v + "=" + value})
		}
		headers = append(headers, wire.Header{Name: "Uniqueid", Value: ch.UniqueID})
		r.Event("Status", headers...)
	}
	r.Event("StatusComplete", wire.Header{Name: "Items", Value: strconv.Itoa(len(list))})
	return ResultContinue, nil
}

func orUnknown(v string) string {
	if v == "" {
		return "<unknown>"
	}
	return v
}

// transferTarget parses Context/Exten/Priority under an optional prefix.
func transferTarget(r *Request, prefix string) (ctxName, exten string, priority int, err error) {
	ctxName = r.Get(prefix + "Context")
	exten = r.Get(prefix + "Exten")
	priority = 1
	if v := r.Get(prefix + "Priority"); v != "" {
		priority, err = strconv.Atoi(v)
		if err != nil || priority < 1 {
			return "", "", 0, fmt.Errorf("invalid priority %q", v)
		}
	}
	return ctxName, exten, priority, nil
}

func (m *Manager) actionRedirect(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	name := r.Get("Channel")
	if name == "" {
		r.Error("Channel not specified")
		return ResultContinue, nil
	}
	ctxName, exten, priority, err := transferTarget(r, "")
	if err != nil {
		r.Error("Invalid priority")
		return ResultContinue, nil
	}
	extra := r.Get("ExtraChannel")
	var extraCtx, extraExten string
	var extraPriority int
	if extra != "" {
		extraCtx, extraExten, extraPriority, err = transferTarget(r, "Extra")
		if err != nil {
			r.Error("Invalid ExtraPriority")
			return ResultContinue, nil
		}
	}
	if _, err := chans.Channel(name); err != nil {
		r.Error("Channel does not exist: " + name)
		return ResultContinue, nil
	}
	if extra != "" {
		if _, err := chans.Channel(extra); err != nil {
			r.Error("ExtraChannel does not exist: " + extra)
			return ResultContinue, nil
		}
	}

	var wg sync.WaitGroup
	var mainErr, extraErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		mainErr = chans.Redirect(name, ctxName, exten, priority)
	}()
	if extra != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			extraErr = chans.Redirect(extra, extraCtx, extraExten, extraPriority)
		}()
	}
	wg.Wait()
	switch {
	case mainErr != nil:
		r.Error("Redirect failed")
	case extraErr != nil:
		r.Error("Secondary redirect failed")
	case extra != "":
		r.Ack("Dual Redirect successful")
	default:
		r.Ack("Redirect successful")
	}
	return ResultContinue, nil
}

func (m *Manager) actionAtxfer(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	name := r.Get("Channel")
	if name == "" {
		r.Error("No channel specified")
		return ResultContinue, nil
	}
	exten := r.Get("Exten")
	if exten == "" {
		r.Error("No extension specified")
		return ResultContinue, nil
	}
	ctxName, _, priority, err := transferTarget(r, "")
	if err != nil {
		r.Error("Invalid priority")
		return ResultContinue, nil
	}
	if err := chans.Atxfer(name, ctxName, exten, priority); err != nil {
		if errors.Is(err, pbx.ErrNoSuchChannel) {
			r.Error("Channel specified does not exist")
			return ResultContinue, nil
		}
		return ResultContinue, err
	}
	r.Ack("Atxfer successfully queued")
	return ResultContinue, nil
}

// originateNeedsSystem reports whether app/data could reach a shell.
func originateNeedsSystem(app, data string) bool {
	app = strings.ToLower(app)
	if strings.Contains(app, "system") || strings.Contains(app, "exec") {
		return true
	}
	data = strings.ToUpper(data)
	return strings.Contains(data, "SHELL(") || strings.Contains(data, "EVAL(")
}

func parseVariables(values []string) map[string]string {
	out := make(map[string]string)
	for _, raw := range values {
		for _, pair := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '|' }) {
			name, value, _ := strings.Cut(pair, "=")
			if name = strings.TrimSpace(name); name != "" {
				out[name] = value
			}
		}
	}
	return out
}

func (m *Manager) actionOriginate(ctx context.Context, r *Request) (Result, error) {
	if m.pbx.Dialplan == nil {
		r.Error("Originate not available")
		return ResultContinue, nil
	}
	req := pbx.OriginateRequest{
		Channel:     r.Get("Channel"),
		Context:     r.Get("Context"),
		Exten:       r.Get("Exten"),
		Application: r.Get("Application"),
		Data:        r.Get("Data"),
		CallerID:    r.Get("CallerID"),
		Account:     r.Get("Account"),
		Timeout:     defaultOriginateTimeout,
		Variables:   parseVariables(r.Message.GetAll("Variable")),
	}
	if req.Channel == "" {
		r.Error("Channel not specified")
		return ResultContinue, nil
	}
	req.Priority = 1
	if v := r.Get("Priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			r.Error("Invalid priority")
			return ResultContinue, nil
		}
		req.Priority = n
	}
	if v := r.Get("Timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			r.Error("Invalid timeout")
			return ResultContinue, nil
		}
		req.Timeout = time.Duration(n) * time.Millisecond
	}
	if req.Application != "" && originateNeedsSystem(req.Application, req.Data) && !r.Session.WriteMask().Has(perm.System) {
		r.Error("Originate with certain 'Application' arguments requires the additional System privilege")
		return ResultContinue, nil
	}
	if port := m.Settings().OriginateLocalPort; port > 0 && !strings.Contains(req.Channel, "@") {
		if host := r.Session.localHost(); host != "" {
			req.Channel += "@" + net.JoinHostPort(host, strconv.Itoa(port))
		}
	}

	if perm.IsTrue(r.Get("Async")) {
		actionID := r.ActionID()
		m.async.Add(1)
		go func() {
			defer m.async.Done()
			m.originateAsync(req, actionID)
		}()
		r.Ack("Originate successfully queued")
		return ResultContinue, nil
	}

	octx, cancel := context.WithTimeout(ctx, req.Timeout+time.Second)
	defer cancel()
	if _, err := m.pbx.Dialplan.Originate(octx, req); err != nil {
		r.Session.logger.Debug("amid.manager.originate_failed", "channel", req.Channel, "error", err)
		r.Error("Originate failed")
		return ResultContinue, nil
	}
	r.Ack("Originate successfully queued")
	return ResultContinue, nil
}

func (m *Manager) originateAsync(req pbx.OriginateRequest, actionID string) {
	ctx, cancel := context.WithTimeout(m.lifecycle, req.Timeout+time.Second)
	defer cancel()
	res, err := m.pbx.Dialplan.Originate(ctx, req)
	response := "Success"
	if err != nil {
		response = "Failure"
		m.logger.Debug("amid.manager.originate_failed", "channel", req.Channel, "error", err)
	}
	num, name := splitCallerID(req.CallerID)
	headers := []wire.Header{}
	if actionID != "" {
		headers = append(headers, wire.Header{Name: "ActionID", Value: actionID})
	}
	channel := res.Channel
	if channel == "" {
		channel = req.Channel
	}
	headers = append(headers,
		wire.Header{Name: "Response", Value: response},
		wire.Header{Name: "Channel", Value: channel},
		wire.Header{Name: "Context", Value: req.Context},
		wire.Header{Name: "Exten", Value: req.Exten},
		wire.Header{Name: "Reason", Value: strconv.Itoa(res.Reason)},
		wire.Header{Name: "Uniqueid", Value: orUnknown(res.UniqueID)},
		wire.Header{Name: "CallerIDNum", Value: orUnknown(num)},
		wire.Header{Name: "CallerIDName", Value: orUnknown(name)},
	)
	m.Emit(perm.Call, "OriginateResponse", headers...)
}

// splitCallerID parses `"Name" <num>` forms.
func splitCallerID(cid string) (num, name string) {
	cid = strings.TrimSpace(cid)
	if i := strings.IndexByte(cid, '<'); i >= 0 {
		if j := strings.IndexByte(cid[i:], '>'); j > 0 {
			num = cid[i+1 : i+j]
			name = strings.Trim(strings.TrimSpace(cid[:i]), `"`)
			return num, name
		}
	}
	return cid, ""
}

func (m *Manager) actionSetVar(_ context.Context, r *Request) (Result, error) {
	name := r.Get("Variable")
	if name == "" {
		r.Error("No variable specified")
		return ResultContinue, nil
	}
	channel := r.Get("Channel")
	value := r.Get("Value")
	var err error
	if strings.HasSuffix(name, ")") {
		if m.pbx.Functions == nil {
			r.Error("Functions not available")
			return ResultContinue, nil
		}
		err = m.pbx.Functions.WriteFunction(channel, name, value)
	} else {
		chans, ok := m.channels(r)
		if !ok {
			return ResultContinue, nil
		}
		err = chans.SetVar(channel, name, value)
	}
	switch {
	case errors.Is(err, pbx.ErrNoSuchChannel):
		r.Error("No such channel")
	case err != nil:
		r.Error("Failed to set variable")
	default:
		r.Ack("Variable Set")
	}
	return ResultContinue, nil
}

func (m *Manager) actionGetVar(_ context.Context, r *Request) (Result, error) {
	name := r.Get("Variable")
	if name == "" {
		r.Error("No variable specified")
		return ResultContinue, nil
	}
	channel := r.Get("Channel")
	var value string
	var err error
	if strings.HasSuffix(name, ")") {
		if m.pbx.Functions == nil {
			r.Error("Functions not available")
			return ResultContinue, nil
		}
		value, err = m.pbx.Functions.ReadFunction(channel, name)
	} else {
		chans, ok := m.channels(r)
		if !ok {
			return ResultContinue, nil
		}
		value, err = chans.GetVar(channel, name)
	}
	switch {
	case errors.Is(err, pbx.ErrNoSuchChannel):
		r.Error("No such channel")
		return ResultContinue, nil
	case errors.Is(err, pbx.ErrNoSuchFunction), errors.Is(err, pbx.ErrInvalidArgument):
		r.Error("Function evaluation failed")
		return ResultContinue, nil
	case err != nil:
		return ResultContinue, err
	}
	r.Begin(KindSuccess).Header("Variable", name).Header("Value", value).End()
	return ResultContinue, nil
}

func (m *Manager) actionAbsoluteTimeout(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	name := r.Get("Channel")
	if name == "" {
		r.Error("No channel specified")
		return ResultContinue, nil
	}
	raw := r.Get("Timeout")
	secs, err := strconv.Atoi(raw)
	if raw == "" || err != nil || secs < 0 {
		r.Error("No timeout specified")
		return ResultContinue, nil
	}
	if err := chans.SetAbsoluteTimeout(name, time.Duration(secs)*time.Second); err != nil {
		if errors.Is(err, pbx.ErrNoSuchChannel) {
			r.Error("No such channel")
			return ResultContinue, nil
		}
		return ResultContinue, err
	}
	r.Ack("Timeout Set")
	return ResultContinue, nil
}

func (m *Manager) actionSendText(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	name := r.Get("Channel")
	if name == "" {
		r.Error("No channel specified")
		return ResultContinue, nil
	}
	if err := chans.SendText(name, r.Get("Message")); err != nil {
		if errors.Is(err, pbx.ErrNoSuchChannel) {
			r.Error("No such channel")
			return ResultContinue, nil
		}
		r.Error("Failure")
		return ResultContinue, nil
	}
	r.Ack("Success")
	return ResultContinue, nil
}

func (m *Manager) actionExtensionState(_ context.Context, r *Request) (Result, error) {
	if m.pbx.Dialplan == nil {
		r.Error("Dialplan not available")
		return ResultContinue, nil
	}
	exten := r.Get("Exten")
	if exten == "" {
		r.Error("Extension not specified")
		return ResultContinue, nil
	}
	ctxName := r.Get("Context")
	if ctxName == "" {
		ctxName = "default"
	}
	hint, state, _ := m.pbx.Dialplan.ExtensionState(ctxName, exten)
	r.Begin(KindSuccess).
		Header("Message", "Extension Status").
		Header("Exten", exten).
		Header("Context", ctxName).
		Header("Hint", hint).
		Header("Status", strconv.Itoa(state)).
		End()
	return ResultContinue, nil
}

func (m *Manager) actionCoreShowChannels(_ context.Context, r *Request) (Result, error) {
	chans, ok := m.channels(r)
	if !ok {
		return ResultContinue, nil
	}
	list := chans.ListChannels()
	now := m.clock.Now()
	r.ListAck("Channels will follow")
	for _, ch := range list {
		d := ch.Duration(now)
		r.Event("CoreShowChannel",
			wire.Header{Name: "Channel", Value: ch.Name},
			wire.Header{Name: "UniqueID", Value: ch.UniqueID},
			wire.Header{Name: "Context", Value: ch.Context},
			wire.Header{Name: "Extension", Value: ch.Exten},
			wire.Header{Name: "Priority", Value: strconv.Itoa(ch.Priority)},
			wire.Header{Name: "ChannelState", Value: strconv.Itoa(int(ch.State))},
			wire.Header{Name: "ChannelStateDesc", Value: ch.State.String()},
			wire.Header{Name: "Application", Value: ch.Application},
			wire.Header{Name: "ApplicationData", Value: ch.Data},
			wire.Header{Name: "CallerIDnum", Value: ch.CallerIDNum},
			wire.Header{Name: "Duration", Value: clockDuration(d)},
			wire.Header{Name: "AccountCode", Value: ch.AccountCode},
			wire.Header{Name: "BridgedChannel", Value: ch.BridgedTo},
		)
	}
	r.ListComplete("CoreShowChannelsComplete", len(list))
	return ResultContinue, nil
}

// clockDuration renders d as HH:MM:SS.
func clockDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
