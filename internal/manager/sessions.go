package manager

import (
	"math/rand/v2"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/amid/internal/eventq"
	"pkt.systems/amid/internal/svcfields"
)

// sessionRegistry is the set of live sessions. Membership changes take the
// writer lock; fan-out and listings walk under the reader lock.
type sessionRegistry struct {
	mu   sync.RWMutex
	all  map[*Session]struct{}
	byID map[uint32]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		all:  make(map[*Session]struct{}),
		byID: make(map[uint32]*Session),
	}
}

func (r *sessionRegistry) add(s *Session, http bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if http {
		for {
			id := rand.Uint32()
			if id == 0 {
				continue
			}
			if _, taken := r.byID[id]; taken {
				continue
			}
			s.id = id
			r.byID[id] = s
			break
		}
	}
	r.all[s] = struct{}{}
}

func (r *sessionRegistry) remove(s *Session) {
	r.mu.Lock()
	delete(r.all, s)
	if s.id != 0 && r.byID[s.id] == s {
		delete(r.byID, s.id)
	}
	r.mu.Unlock()
}

func (r *sessionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

func (r *sessionRegistry) each(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.all {
		fn(s)
	}
}

func (r *sessionRegistry) snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.all))
	for s := range r.all {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

// loggedIn reports whether another live session is authenticated as user.
func (r *sessionRegistry) loggedIn(user string, except *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.all {
		if s == except {
			continue
		}
		s.mu.Lock()
		match := s.state == StateAuthenticated && !s.needDestroy && strings.EqualFold(s.username, user)
		s.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// acquireHTTP returns the HTTP session id and increments its use count.
// Sessions already flagged for destruction are not returned.
func (r *sessionRegistry) acquireHTTP(id uint32) (*Session, bool) {
	if id == 0 {
		return nil, false
	}
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needDestroy || s.state >= StateClosing {
		return nil, false
	}
	s.inuse++
	return s, true
}

// newSession allocates and publishes a session. The cursor is pinned to the
// current tail before the session becomes visible, so it only sees events
// emitted afterwards.
func (m *Manager) newSession(transport, remote, local string, conn net.Conn) *Session {
	s := newSession(m, transport, remote, local, conn)
	s.cursor = m.events.Grab()
	if transport == TransportHTTP {
		s.inuse = 1
		s.expiry = s.created.Add(m.Settings().HTTPTimeout)
	}
	m.publishSession(s, transport == TransportHTTP)
	if s.id != 0 {
		s.logger = s.logger.With("mansession_id", s.id)
	}
	s.logger.Debug("amid.manager.session.created")
	return s
}

// publishSession makes s visible to emitters. Events appended between the
// cursor grab and this call found no session to wake, so s is woken here.
func (m *Manager) publishSession(s *Session, http bool) {
	m.sessions.add(s, http)
	if s.hasPending() {
		s.notify()
	}
}

// destroySession unpublishes s, releases its cursor and closes its
// connection. It is safe to call more than once.
func (m *Manager) destroySession(s *Session, reason string) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	wasAuthenticated := s.state == StateAuthenticated
	display := s.displayConnects
	user := s.username
	s.state = StateDestroyed
	s.needDestroy = true
	if s.waiterStop != nil {
		close(s.waiterStop)
		s.waiterStop = nil
	}
	cursor := s.cursor
	s.cursor = nil
	s.mu.Unlock()

	m.sessions.remove(s)
	eventq.Release(cursor)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if wasAuthenticated {
		logger := svcfields.WithUser(s.logger, user)
		if display && m.Settings().DisplayConnects {
			logger.Info("amid.manager.logoff", "reason", reason)
		} else {
			logger.Debug("amid.manager.logoff", "reason", reason)
		}
	}
	s.logger.Debug("amid.manager.session.destroyed", "reason", reason, "age", time.Since(s.created))
}

// Sessions returns snapshots of the live sessions ordered by creation.
func (m *Manager) Sessions() []SessionInfo {
	live := m.sessions.snapshot()
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	return out
}
