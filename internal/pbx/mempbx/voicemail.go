package mempbx

import (
	"fmt"
	"sort"
	"strings"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

// Voicemail folders.
const (
	FolderInbox  = "INBOX"
	FolderOld    = "Old"
	FolderUrgent = "Urgent"
)

type mailbox struct {
	messages []pbx.VoicemailMessage
}

func mailboxKey(box string) string {
	box = strings.ToLower(strings.TrimSpace(box))
	if !strings.Contains(box, "@") {
		box += "@default"
	}
	return box
}

// AddMessage stores msg in mailbox, creating the mailbox if needed. An empty
// folder means INBOX, or Urgent for urgent messages.
func (p *PBX) AddMessage(box string, msg pbx.VoicemailMessage) pbx.VoicemailMessage {
	if msg.Folder == "" {
		msg.Folder = FolderInbox
		if msg.Urgent {
			msg.Folder = FolderUrgent
		}
	}
	if msg.Received.IsZero() {
		msg.Received = p.clock.Now()
	}
	key := mailboxKey(box)
	p.mu.Lock()
	mb, ok := p.boxes[key]
	if !ok {
		mb = &mailbox{}
		p.boxes[key] = mb
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg%04d", p.nextSeq())
	}
	mb.messages = append(mb.messages, msg)
	p.mu.Unlock()
	p.notifyMailbox(key)
	return msg
}

// MailboxCounts returns urgent, new and old message counts. Unknown
// mailboxes count as empty.
func (p *PBX) MailboxCounts(box string) (int, int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked(mailboxKey(box))
}

func (p *PBX) countsLocked(key string) (urgent, fresh, old int, err error) {
	mb, ok := p.boxes[key]
	if !ok {
		return 0, 0, 0, nil
	}
	for _, m := range mb.messages {
		switch m.Folder {
		case FolderUrgent:
			urgent++
		case FolderInbox:
			fresh++
		case FolderOld:
			old++
		}
	}
	return urgent, fresh, old, nil
}

// MailboxMessages lists a mailbox ordered by folder then receive time.
func (p *PBX) MailboxMessages(box string) ([]pbx.VoicemailMessage, error) {
	key := mailboxKey(box)
	p.mu.Lock()
	defer p.mu.Unlock()
	mb, ok := p.boxes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pbx.ErrNoSuchMailbox, box)
	}
	out := append([]pbx.VoicemailMessage(nil), mb.messages...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Folder != out[j].Folder {
			return out[i].Folder < out[j].Folder
		}
		return out[i].Received.Before(out[j].Received)
	})
	return out, nil
}

// ManageMessage applies operation delete, move (to folder) or markread to
// one message.
func (p *PBX) ManageMessage(box, operation, id, folder string) error {
	key := mailboxKey(box)
	p.mu.Lock()
	mb, ok := p.boxes[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", pbx.ErrNoSuchMailbox, box)
	}
	idx := -1
	for i, m := range mb.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", pbx.ErrNoSuchMessage, id)
	}
	switch strings.ToLower(operation) {
	case "delete":
		mb.messages = append(mb.messages[:idx], mb.messages[idx+1:]...)
	case "move":
		if folder == "" {
			p.mu.Unlock()
			return fmt.Errorf("%w: folder required", pbx.ErrInvalidArgument)
		}
		mb.messages[idx].Folder = folder
	case "markread":
		mb.messages[idx].Folder = FolderOld
	default:
		p.mu.Unlock()
		return fmt.Errorf("%w: operation %q", pbx.ErrInvalidArgument, operation)
	}
	p.mu.Unlock()
	p.notifyMailbox(key)
	return nil
}

func (p *PBX) notifyMailbox(key string) {
	p.mu.Lock()
	urgent, fresh, old, _ := p.countsLocked(key)
	p.mu.Unlock()
	waiting := "0"
	if urgent+fresh > 0 {
		waiting = "1"
	}
	p.emit(perm.Call, "MessageWaiting",
		wire.Header{Name: "Mailbox", Value: key},
		wire.Header{Name: "Waiting", Value: waiting},
		wire.Header{Name: "New", Value: fmt.Sprint(fresh + urgent)},
		wire.Header{Name: "Old", Value: fmt.Sprint(old)},
	)
}
