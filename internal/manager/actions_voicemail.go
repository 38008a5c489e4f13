package manager

import (
	"context"
	"errors"
	"strconv"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

func (m *Manager) voicemailActions() []*Action {
	return []*Action{
		{Name: "MailboxStatus", AnyOf: perm.Call | perm.Reporting, Synopsis: "Check Mailbox", Handler: m.actionMailboxStatus},
		{Name: "MailboxCount", AnyOf: perm.Call | perm.Reporting, Synopsis: "Check Mailbox Message Count", Handler: m.actionMailboxCount},
		{Name: "GetVMList", AnyOf: perm.Call | perm.Reporting, Synopsis: "List messages in a mailbox", Handler: m.actionGetVMList,
			Description: "One VoicemailMessage event per message followed by VoicemailMessageListComplete."},
		{Name: "ManageMailbox", Required: perm.Call, Synopsis: "Manage messages in a mailbox", Handler: m.actionManageMailbox,
			Description: "Operation: delete, move or markread. MessageID selects the message; move requires Folder."},
	}
}

func (m *Manager) mailbox(r *Request) (pbx.Voicemail, string, bool) {
	if m.pbx.Voicemail == nil {
		r.Error("Voicemail not available")
		return nil, "", false
	}
	box := r.Get("Mailbox")
	if box == "" {
		r.Error("Mailbox not specified")
		return nil, "", false
	}
	return m.pbx.Voicemail, box, true
}

func (m *Manager) actionMailboxStatus(_ context.Context, r *Request) (Result, error) {
	vm, box, ok := m.mailbox(r)
	if !ok {
		return ResultContinue, nil
	}
	urgent, fresh, _, err := vm.MailboxCounts(box)
	if err != nil {
		return ResultContinue, err
	}
	waiting := "0"
	if urgent+fresh > 0 {
		waiting = "1"
	}
	r.Begin(KindSuccess).
		Header("Message", "Mailbox Status").
		Header("Mailbox", box).
		Header("Waiting", waiting).
		End()
	return ResultContinue, nil
}

func (m *Manager) actionMailboxCount(_ context.Context, r *Request) (Result, error) {
	vm, box, ok := m.mailbox(r)
	if !ok {
		return ResultContinue, nil
	}
	urgent, fresh, old, err := vm.MailboxCounts(box)
	if err != nil {
		return ResultContinue, err
	}
	r.Begin(KindSuccess).
		Header("Message", "Mailbox Message Count").
		Header("Mailbox", box).
		Header("UrgMessages", strconv.Itoa(urgent)).
		Header("NewMessages", strconv.Itoa(fresh)).
		Header("OldMessages", strconv.Itoa(old)).
		End()
	return ResultContinue, nil
}

func (m *Manager) actionGetVMList(_ context.Context, r *Request) (Result, error) {
	vm, box, ok := m.mailbox(r)
	if !ok {
		return ResultContinue, nil
	}
	msgs, err := vm.MailboxMessages(box)
	if err != nil {
		if errors.Is(err, pbx.ErrNoSuchMailbox) {
			r.Error("No such mailbox")
			return ResultContinue, nil
		}
		return ResultContinue, err
	}
	r.ListAck("Voicemail messages will follow")
	for _, msg := range msgs {
		r.Event("VoicemailMessage",
			wire.Header{Name: "Mailbox", Value: box},
			wire.Header{Name: "MessageID", Value: msg.ID},
			wire.Header{Name: "Folder", Value: msg.Folder},
			wire.Header{Name: "CallerID", Value: msg.CallerID},
			wire.Header{Name: "Duration", Value: strconv.Itoa(int(msg.Duration.Seconds()))},
			wire.Header{Name: "OrigTime", Value: strconv.FormatInt(msg.Received.Unix(), 10)},
			wire.Header{Name: "Urgent", Value: yesNo(msg.Urgent)},
		)
	}
	r.ListComplete("VoicemailMessageListComplete", len(msgs))
	return ResultContinue, nil
}

func (m *Manager) actionManageMailbox(_ context.Context, r *Request) (Result, error) {
	vm, box, ok := m.mailbox(r)
	if !ok {
		return ResultContinue, nil
	}
	op := r.Get("Operation")
	id := r.Get("MessageID")
	if op == "" || id == "" {
		r.Error("Operation and MessageID are required")
		return ResultContinue, nil
	}
	if err := vm.ManageMessage(box, op, id, r.Get("Folder")); err != nil {
		switch {
		case errors.Is(err, pbx.ErrNoSuchMailbox):
			r.Error("No such mailbox")
		case errors.Is(err, pbx.ErrNoSuchMessage):
			r.Error("No such message")
		case errors.Is(err, pbx.ErrInvalidArgument):
			r.Error("Invalid operation")
		default:
			return ResultContinue, err
		}
		return ResultContinue, nil
	}
	r.Ack("Mailbox updated")
	return ResultContinue, nil
}
