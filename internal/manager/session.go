package manager

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pkt.systems/amid/internal/eventq"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/svcfields"
	"pkt.systems/pslog"
)

// State is the session lifecycle position.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateDestroyed
)

var stateNames = [...]string{"new", "authenticating", "authenticated", "closing", "destroyed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Transport names.
const (
	TransportTCP  = "tcp"
	TransportTLS  = "tls"
	TransportHTTP = "http"
	TransportHook = "hook"
)

// Session is one client of the manager. Line transport sessions have id 0
// and own a connection; HTTP sessions have a random non-zero id and live
// across requests.
type Session struct {
	m         *Manager
	id        uint32
	xid       string
	transport string
	remote    string
	local     string
	created   time.Time
	logger    pslog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	// wake has capacity one. A send that finds it full is dropped, so a
	// notification that arrives before anyone waits is kept as pending.
	wake         chan struct{}
	pendingInput atomic.Int32

	mu              sync.Mutex
	state           State
	username        string
	readMask        perm.Mask
	writeMask       perm.Mask
	sendMask        perm.Mask
	writeTimeout    time.Duration
	displayConnects bool
	cursor          *eventq.Record
	inuse           int
	needDestroy     bool
	expiry          time.Time
	waiterGen       uint64
	waiterStop      chan struct{}
	data            map[string]any
}

func newSession(m *Manager, transport, remote, local string, conn net.Conn) *Session {
	id := xid.New().String()
	return &Session{
		m:            m,
		xid:          id,
		transport:    transport,
		remote:       remote,
		local:        local,
		created:      m.clock.Now(),
		logger:       svcfields.WithSession(m.logger, id, transport, remote),
		conn:         conn,
		wake:         make(chan struct{}, 1),
		sendMask:     perm.All,
		writeTimeout: DefaultWriteTimeout,
		data:         make(map[string]any),
	}
}

// ID is the HTTP session id, zero for line sessions.
func (s *Session) ID() uint32 { return s.id }

// CorrelationID is the id used in logs.
func (s *Session) CorrelationID() string { return s.xid }

// Transport returns tcp, tls, http or hook.
func (s *Session) Transport() string { return s.transport }

// Remote is the peer address.
func (s *Session) Remote() string { return s.remote }

// Created is when the session was allocated.
func (s *Session) Created() time.Time { return s.created }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether Login succeeded.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// Username is the logged in account, empty before Login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// ReadMask returns the categories the account may receive.
func (s *Session) ReadMask() perm.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMask
}

// WriteMask returns the categories the account may invoke.
func (s *Session) WriteMask() perm.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMask
}

// SendMask returns the event subscription.
func (s *Session) SendMask() perm.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendMask
}

// SetSendMask changes the event subscription.
func (s *Session) SetSendMask(mask perm.Mask) {
	s.mu.Lock()
	s.sendMask = mask
	s.mu.Unlock()
}

// InUse is the number of HTTP requests currently holding the session.
func (s *Session) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inuse
}

// Expiry is the HTTP idle deadline.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// SetData stores a per-session value.
func (s *Session) SetData(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Data returns a per-session value.
func (s *Session) Data(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// RemoveData deletes a per-session value.
func (s *Session) RemoveData(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// closing reports whether the session must stop serving.
func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needDestroy || s.state >= StateClosing
}

// markDestroy flags the session for teardown and wakes any waiter.
func (s *Session) markDestroy(reason string) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	already := s.needDestroy
	s.needDestroy = true
	s.state = StateClosing
	if s.waiterStop != nil {
		close(s.waiterStop)
		s.waiterStop = nil
	}
	s.mu.Unlock()
	if !already {
		s.logger.Debug("amid.manager.session.closing", "reason", reason)
	}
	s.notify()
}

// notify wakes a sleeping waiter or leaves the wake-up pending.
func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// login copies the account into the session.
func (s *Session) login(u *User, events perm.Mask, haveEvents bool) {
	s.mu.Lock()
	s.state = StateAuthenticated
	s.username = u.Name
	s.readMask = u.Read
	s.writeMask = u.Write
	s.writeTimeout = u.WriteTimeout
	s.displayConnects = u.DisplayConnects
	if haveEvents {
		s.sendMask = events
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state < StateAuthenticated {
		s.state = st
	}
	s.mu.Unlock()
}

// hasPending reports whether records exist past the cursor.
func (s *Session) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor != nil && s.cursor.Next() != nil
}

// collectEvents advances the cursor to the tail and returns the payloads
// this session may see. Records are filtered by read and send masks and
// only authenticated sessions receive anything; the cursor moves either way.
func (s *Session) collectEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil
	}
	var out []string
	for s.cursor.Next() != nil {
		s.cursor = eventq.Advance(s.cursor)
		rec := s.cursor
		if s.state != StateAuthenticated {
			continue
		}
		if s.readMask&rec.Category == rec.Category && s.sendMask&rec.Category == rec.Category {
			out = append(out, rec.Payload())
		}
	}
	return out
}

// write sends text on a line transport within the write deadline. A failed
// write marks the session for destruction. Sessions without a connection
// discard the text.
func (s *Session) write(text string) error {
	if s.conn == nil || text == "" {
		return nil
	}
	s.mu.Lock()
	timeout := s.writeTimeout
	s.mu.Unlock()
	block := s.m.Settings().BlockSockets

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !block && timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write([]byte(text)); err != nil {
		s.logger.Warn("amid.manager.session.write_failed", "error", err, "timeout", timeout)
		s.markDestroy("write_failed")
		return err
	}
	return nil
}

// beginWait registers a new waiter, releasing any older one. The returned
// channel closes when this waiter is replaced or the session closes.
func (s *Session) beginWait() (uint64, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiterStop != nil {
		close(s.waiterStop)
	}
	s.waiterGen++
	stop := make(chan struct{})
	if s.needDestroy {
		close(stop)
		s.waiterStop = nil
	} else {
		s.waiterStop = stop
	}
	return s.waiterGen, stop
}

// endWait unregisters waiter gen. It reports false when a newer waiter took
// over in the meantime.
func (s *Session) endWait(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiterGen != gen {
		return false
	}
	s.waiterStop = nil
	return true
}

// localHost is the host part of the local endpoint.
func (s *Session) localHost() string {
	host, _, err := net.SplitHostPort(s.local)
	if err != nil {
		return strings.Trim(s.local, "[]")
	}
	return host
}

// SessionInfo is a listing snapshot.
type SessionInfo struct {
	ID          uint32
	Correlation string
	Transport   string
	Remote      string
	Username    string
	State       State
	Created     time.Time
	Expiry      time.Time
	InUse       int
	ReadMask    perm.Mask
	WriteMask   perm.Mask
	SendMask    perm.Mask
}

// Info snapshots the session for listings.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		Correlation: s.xid,
		Transport:   s.transport,
		Remote:      s.remote,
		Username:    s.username,
		State:       s.state,
		Created:     s.created,
		Expiry:      s.expiry,
		InUse:       s.inuse,
		ReadMask:    s.readMask,
		WriteMask:   s.writeMask,
		SendMask:    s.sendMask,
	}
}
