package mempbx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

type hint struct {
	device string
	state  int
}

var dialableTechs = map[string]bool{
	"local": true, "sip": true, "pjsip": true, "iax2": true, "dahdi": true, "test": true,
}

// AddHint maps exten@context to a device hint and its current state.
func (p *PBX) AddHint(context, exten, device string, state int) {
	p.mu.Lock()
	p.hints[exten+"@"+context] = hint{device: device, state: state}
	p.mu.Unlock()
}

// SetHintState updates the state of an existing hint and emits
// ExtensionStatus.
func (p *PBX) SetHintState(context, exten string, state int) error {
	key := exten + "@" + context
	p.mu.Lock()
	h, ok := p.hints[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", pbx.ErrNoSuchExtension, key)
	}
	h.state = state
	p.hints[key] = h
	p.mu.Unlock()
	p.emit(perm.Call, "ExtensionStatus",
		wire.Header{Name: "Exten", Value: exten},
		wire.Header{Name: "Context", Value: context},
		wire.Header{Name: "Hint", Value: h.device},
		wire.Header{Name: "Status", Value: strconv.Itoa(state)},
	)
	return nil
}

// ExtensionState returns the hint and state for exten@context.
func (p *PBX) ExtensionState(context, exten string) (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hints[exten+"@"+context]
	if !ok {
		return "", -1, fmt.Errorf("%w: %s@%s", pbx.ErrNoSuchExtension, exten, context)
	}
	return h.device, h.state, nil
}

// Originate creates an answered channel for req. Technologies outside a
// small known set fail, as does the "Busy" pseudo-technology.
func (p *PBX) Originate(ctx context.Context, req pbx.OriginateRequest) (pbx.OriginateResult, error) {
	if err := ctx.Err(); err != nil {
		return pbx.OriginateResult{Reason: pbx.ReasonFailure}, err
	}
	tech, _, ok := strings.Cut(req.Channel, "/")
	if !ok || tech == "" {
		return pbx.OriginateResult{Reason: pbx.ReasonFailure}, fmt.Errorf("%w: channel %q", pbx.ErrInvalidArgument, req.Channel)
	}
	if strings.EqualFold(tech, "busy") {
		return pbx.OriginateResult{Reason: pbx.ReasonBusy}, fmt.Errorf("%w: %s is busy", pbx.ErrInvalidArgument, req.Channel)
	}
	if !dialableTechs[strings.ToLower(tech)] {
		return pbx.OriginateResult{Reason: pbx.ReasonFailure}, fmt.Errorf("%w: unknown technology %q", pbx.ErrInvalidArgument, tech)
	}
	p.mu.Lock()
	name := fmt.Sprintf("%s-%08x", req.Channel, p.nextSeq())
	p.mu.Unlock()

	cidName, cidNum := splitCallerID(req.CallerID)
	spec := ChannelSpec{
		Name:         name,
		State:        pbx.StateUp,
		Context:      req.Context,
		Exten:        req.Exten,
		Priority:     req.Priority,
		CallerIDNum:  cidNum,
		CallerIDName: cidName,
		AccountCode:  req.Account,
		Application:  req.Application,
		Data:         req.Data,
	}
	ch, err := p.NewChannel(spec)
	if err != nil {
		return pbx.OriginateResult{Reason: pbx.ReasonFailure}, err
	}
	for k, v := range req.Variables {
		if err := p.SetVar(ch.Name, k, v); err != nil {
			return pbx.OriginateResult{Channel: ch.Name, UniqueID: ch.UniqueID, Reason: pbx.ReasonFailure}, err
		}
	}
	return pbx.OriginateResult{Channel: ch.Name, UniqueID: ch.UniqueID, Reason: pbx.ReasonAnswered}, nil
}

// splitCallerID parses `"Name" <number>` or a bare number.
func splitCallerID(cid string) (name, num string) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return "", ""
	}
	if lt := strings.IndexByte(cid, '<'); lt >= 0 {
		if gt := strings.IndexByte(cid[lt:], '>'); gt > 0 {
			num = cid[lt+1 : lt+gt]
			name = strings.Trim(strings.TrimSpace(cid[:lt]), `"`)
			return name, num
		}
	}
	return "", cid
}
