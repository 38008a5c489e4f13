package manager

import (
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/amid/internal/wire"
)

// maxFormBody bounds a POSTed form.
const maxFormBody = 1 << 20

// HTTPHandler serves the rawman, manager and mxml endpoints below prefix.
// Blocked peers are refused by the connection guard.
func (m *Manager) HTTPHandler(prefix string) http.Handler {
	prefix = strings.TrimRight("/"+strings.Trim(prefix, "/"), "/")
	mux := http.NewServeMux()
	mux.Handle(prefix+"/rawman", m.httpEndpoint(FormatRaw))
	mux.Handle(prefix+"/manager", m.httpEndpoint(FormatHTML))
	mux.Handle(prefix+"/mxml", m.httpEndpoint(FormatXML))
	return m.guard.Middleware(mux)
}

func (m *Manager) httpEndpoint(format Format) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m.serveHTTP(w, req, format)
	})
}

func (m *Manager) serveHTTP(w http.ResponseWriter, req *http.Request, format Format) {
	settings := m.Settings()
	if !settings.Enabled || !settings.WebEnabled {
		http.NotFound(w, req)
		return
	}
	headers, err := orderedForm(req)
	if err != nil {
		m.httpLogger.Debug("amid.manager.http.bad_form", "remote", req.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	msg := wire.NewMessage(headers...)

	s := m.httpSession(req)
	reply, res := m.Dispatch(req.Context(), s, msg)
	var body strings.Builder
	body.WriteString(reply)
	if res != ResultClose && !s.closing() && !suppressEvents(msg) {
		for _, ev := range s.collectEvents() {
			body.WriteString(ev)
		}
	}

	timeout := settings.HTTPTimeout
	now := m.clock.Now()
	s.mu.Lock()
	idle := timeout
	if s.state != StateAuthenticated && idle > unauthenticatedHTTPTimeout {
		idle = unauthenticatedHTTPTimeout
	}
	s.expiry = now.Add(idle)
	s.inuse--
	destroy := s.needDestroy && s.inuse <= 0
	s.mu.Unlock()

	h := w.Header()
	h.Set("Set-Cookie", fmt.Sprintf(`mansession_id="%08x"; Version=1; Max-Age=%d`, s.id, int(timeout.Seconds())))
	h.Set("Content-Type", format.contentType())
	h.Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Render(format, body.String(), msg.Get("ajaxdest"), msg.Get("ajaxobjtype")))

	if destroy {
		m.destroySession(s, "http_closed")
	}
}

// httpSession resumes the session named by mansession_id or starts a new
// one. The returned session has been counted as in use.
func (m *Manager) httpSession(req *http.Request) *Session {
	if id, ok := requestSessionID(req); ok {
		if s, ok := m.sessions.acquireHTTP(id); ok {
			return s
		}
	}
	local := ""
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local = addr.String()
	}
	return m.newSession(TransportHTTP, req.RemoteAddr, local, nil)
}

// requestSessionID reads mansession_id from the query string or the cookie.
func requestSessionID(req *http.Request) (uint32, bool) {
	raw := req.URL.Query().Get("mansession_id")
	if raw == "" {
		if c, err := req.Cookie("mansession_id"); err == nil {
			raw = c.Value
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 16, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint32(id), true
}

// orderedForm returns the query and urlencoded body parameters in the order
// the client sent them. mansession_id is not part of the message.
func orderedForm(req *http.Request) ([]wire.Header, error) {
	headers, err := parsePairs(req.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodPost && req.Body != nil {
		ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
		if ct == "application/x-www-form-urlencoded" {
			raw, err := io.ReadAll(io.LimitReader(req.Body, maxFormBody))
			if err != nil {
				return nil, err
			}
			more, err := parsePairs(string(raw))
			if err != nil {
				return nil, err
			}
			headers = append(headers, more...)
		}
	}
	return headers, nil
}

func parsePairs(raw string) ([]wire.Header, error) {
	var out []wire.Header
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		if k == "" || strings.EqualFold(k, "mansession_id") {
			continue
		}
		out = append(out, wire.Header{Name: k, Value: v})
	}
	return out, nil
}
