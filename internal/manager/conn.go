package manager

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"pkt.systems/amid/internal/wire"
)

// ServeConn runs the line protocol on conn until the peer leaves, an action
// closes the session or ctx ends. ServeConn owns conn and closes it.
func (m *Manager) ServeConn(ctx context.Context, conn net.Conn, transport string) {
	s := m.newSession(transport, addrString(conn.RemoteAddr()), addrString(conn.LocalAddr()), conn)
	reason := "closed"
	defer func() { m.destroySession(s, reason) }()

	if err := s.write(m.banner + "\r\n"); err != nil {
		reason = "greeting_failed"
		return
	}

	done := make(chan struct{})
	defer close(done)
	msgs := make(chan *wire.Message)
	readErr := make(chan error, 1)
	go func() {
		r := wire.NewReader(conn)
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msg.Len() == 0 {
				continue
			}
			// Flag the input before handing it over so a WaitEvent in
			// progress returns and lets the next message through.
			s.pendingInput.Add(1)
			s.notify()
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			return
		case err := <-readErr:
			reason = readReason(err)
			return
		case msg := <-msgs:
			s.pendingInput.Add(-1)
			reply, res := m.Dispatch(ctx, s, msg)
			if err := s.write(reply); err != nil {
				reason = "write_failed"
				return
			}
			if res == ResultClose || s.closing() {
				reason = "logoff"
				return
			}
			if !suppressEvents(msg) {
				if err := m.deliver(s); err != nil {
					reason = "write_failed"
					return
				}
			}
		case <-s.wake:
			if s.closing() {
				reason = "closing"
				return
			}
			if err := m.deliver(s); err != nil {
				reason = "write_failed"
				return
			}
		}
	}
}

// deliver writes the events queued for s since its last delivery.
func (m *Manager) deliver(s *Session) error {
	events := s.collectEvents()
	if len(events) == 0 {
		return nil
	}
	return s.write(strings.Join(events, ""))
}

func readReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	}
	return "read_error"
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
