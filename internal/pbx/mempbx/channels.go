package mempbx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

type channel struct {
	info   pbx.Channel
	vars   map[string]string
	texts  []string
	timerC chan struct{}
}

func (c *channel) stopTimer() {
	if c.timerC != nil {
		close(c.timerC)
		c.timerC = nil
	}
}

// ChannelSpec describes a channel created with NewChannel.
type ChannelSpec struct {
	Name         string
	State        pbx.ChannelState
	Context      string
	Exten        string
	Priority     int
	CallerIDNum  string
	CallerIDName string
	AccountCode  string
	Application  string
	Data         string
}

// NewChannel registers a live channel and emits Newchannel.
func (p *PBX) NewChannel(spec ChannelSpec) (pbx.Channel, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return pbx.Channel{}, fmt.Errorf("%w: channel name required", pbx.ErrInvalidArgument)
	}
	if spec.Priority == 0 {
		spec.Priority = 1
	}
	p.mu.Lock()
	if _, exists := p.channels[strings.ToLower(spec.Name)]; exists {
		p.mu.Unlock()
		return pbx.Channel{}, fmt.Errorf("%w: channel %s exists", pbx.ErrInvalidArgument, spec.Name)
	}
	ch := &channel{
		info: pbx.Channel{
			Name:         spec.Name,
			UniqueID:     uuid.Must(uuid.NewV7()).String(),
			State:        spec.State,
			CallerIDNum:  spec.CallerIDNum,
			CallerIDName: spec.CallerIDName,
			AccountCode:  spec.AccountCode,
			Context:      spec.Context,
			Exten:        spec.Exten,
			Priority:     spec.Priority,
			Application:  spec.Application,
			Data:         spec.Data,
			Created:      p.clock.Now(),
		},
		vars: make(map[string]string),
	}
	key := strings.ToLower(spec.Name)
	p.channels[key] = ch
	p.order = append(p.order, key)
	info := ch.info
	p.mu.Unlock()

	p.emit(perm.Call, "Newchannel",
		wire.Header{Name: "Channel", Value: info.Name},
		wire.Header{Name: "ChannelState", Value: strconv.Itoa(int(info.State))},
		wire.Header{Name: "ChannelStateDesc", Value: info.State.String()},
		wire.Header{Name: "CallerIDNum", Value: orUnknown(info.CallerIDNum)},
		wire.Header{Name: "CallerIDName", Value: orUnknown(info.CallerIDName)},
		wire.Header{Name: "AccountCode", Value: info.AccountCode},
		wire.Header{Name: "Exten", Value: info.Exten},
		wire.Header{Name: "Context", Value: info.Context},
		wire.Header{Name: "Uniqueid", Value: info.UniqueID},
	)
	return info, nil
}

func orUnknown(v string) string {
	if v == "" {
		return "<unknown>"
	}
	return v
}

// ListChannels returns live channels in creation order.
func (p *PBX) ListChannels() []pbx.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pbx.Channel, 0, len(p.order))
	for _, key := range p.order {
		if ch, ok := p.channels[key]; ok {
			out = append(out, ch.info)
		}
	}
	return out
}

// Channel returns one channel by name (case-insensitive).
func (p *PBX) Channel(name string) (pbx.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[strings.ToLower(name)]
	if !ok {
		return pbx.Channel{}, fmt.Errorf("%w: %s", pbx.ErrNoSuchChannel, name)
	}
	return ch.info, nil
}

func (p *PBX) lookupLocked(name string) (*channel, error) {
	ch, ok := p.channels[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pbx.ErrNoSuchChannel, name)
	}
	return ch, nil
}

// SoftHangup schedules removal of the channel and the Hangup event.
func (p *PBX) SoftHangup(name string, cause int) error {
	p.mu.Lock()
	if _, err := p.lookupLocked(name); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	return p.proc.Push(func(any) error {
		p.hangup(name, cause)
		return nil
	}, nil)
}

func (p *PBX) hangup(name string, cause int) {
	key := strings.ToLower(name)
	p.mu.Lock()
	ch, ok := p.channels[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	ch.stopTimer()
	delete(p.channels, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	info := ch.info
	p.mu.Unlock()
	p.emitNow(perm.Call, "Hangup",
		wire.Header{Name: "Channel", Value: info.Name},
		wire.Header{Name: "Uniqueid", Value: info.UniqueID},
		wire.Header{Name: "CallerIDNum", Value: orUnknown(info.CallerIDNum)},
		wire.Header{Name: "CallerIDName", Value: orUnknown(info.CallerIDName)},
		wire.Header{Name: "Cause", Value: strconv.Itoa(cause)},
		wire.Header{Name: "Cause-txt", Value: causeText(cause)},
	)
}

func causeText(cause int) string {
	switch cause {
	case 16:
		return "Normal Clearing"
	case 17:
		return "User busy"
	case 19:
		return "User alerting, no answer"
	case 21:
		return "Call Rejected"
	case 34:
		return "Circuit/channel congestion"
	}
	return "Unknown"
}

// Redirect moves the channel to a new dialplan location.
func (p *PBX) Redirect(name, context, exten string, priority int) error {
	return p.move(name, context, exten, priority, "")
}

// Atxfer performs an attended transfer; in memory it behaves as a redirect
// that records the transfer target.
func (p *PBX) Atxfer(name, context, exten string, priority int) error {
	return p.move(name, context, exten, priority, "Atxfer")
}

func (p *PBX) move(name, context, exten string, priority int, app string) error {
	if exten == "" {
		return fmt.Errorf("%w: extension required", pbx.ErrInvalidArgument)
	}
	if priority <= 0 {
		priority = 1
	}
	p.mu.Lock()
	ch, err := p.lookupLocked(name)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if context == "" {
		context = ch.info.Context
	}
	ch.info.Context = context
	ch.info.Exten = exten
	ch.info.Priority = priority
	if app != "" {
		ch.info.Application = app
		ch.info.Data = exten + "@" + context
	}
	info := ch.info
	p.mu.Unlock()
	p.emit(perm.Dialplan, "Newexten",
		wire.Header{Name: "Channel", Value: info.Name},
		wire.Header{Name: "Context", Value: info.Context},
		wire.Header{Name: "Extension", Value: info.Exten},
		wire.Header{Name: "Priority", Value: strconv.Itoa(info.Priority)},
		wire.Header{Name: "Application", Value: info.Application},
		wire.Header{Name: "AppData", Value: info.Data},
		wire.Header{Name: "Uniqueid", Value: info.UniqueID},
	)
	return nil
}

// SetAbsoluteTimeout hangs the channel up after d. Zero clears the timeout.
func (p *PBX) SetAbsoluteTimeout(name string, d time.Duration) error {
	p.mu.Lock()
	ch, err := p.lookupLocked(name)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	ch.stopTimer()
	if d <= 0 {
		ch.info.Timeout = time.Time{}
		p.mu.Unlock()
		return nil
	}
	ch.info.Timeout = p.clock.Now().Add(d)
	stop := make(chan struct{})
	ch.timerC = stop
	fire := p.clock.After(d)
	p.mu.Unlock()
	go func() {
		select {
		case <-fire:
			_ = p.proc.Push(func(any) error {
				p.hangup(name, 16)
				return nil
			}, nil)
		case <-stop:
		}
	}()
	return nil
}

// SendText records text sent to the channel.
func (p *PBX) SendText(name, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.lookupLocked(name)
	if err != nil {
		return err
	}
	ch.texts = append(ch.texts, text)
	return nil
}

// Texts returns the messages delivered with SendText.
func (p *PBX) Texts(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.lookupLocked(name)
	if err != nil {
		return nil
	}
	return append([]string(nil), ch.texts...)
}

// GetVar reads a channel variable, or a global one when name is empty.
// Unset variables read as the empty string.
func (p *PBX) GetVar(name, variable string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		return p.globals[variable], nil
	}
	ch, err := p.lookupLocked(name)
	if err != nil {
		return "", err
	}
	return ch.vars[variable], nil
}

// SetVar writes a channel variable, or a global one when name is empty.
func (p *PBX) SetVar(name, variable, value string) error {
	if variable == "" {
		return fmt.Errorf("%w: variable required", pbx.ErrInvalidArgument)
	}
	p.mu.Lock()
	var info pbx.Channel
	if name == "" {
		p.globals[variable] = value
	} else {
		ch, err := p.lookupLocked(name)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		ch.vars[variable] = value
		info = ch.info
	}
	p.mu.Unlock()
	channelName := info.Name
	if channelName == "" {
		channelName = "none"
	}
	p.emit(perm.Dialplan, "VarSet",
		wire.Header{Name: "Channel", Value: channelName},
		wire.Header{Name: "Variable", Value: variable},
		wire.Header{Name: "Value", Value: value},
		wire.Header{Name: "Uniqueid", Value: info.UniqueID},
	)
	return nil
}
