package manager

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

// preAuthActions may run before Login succeeds. WaitEvent is included so an
// HTTP client polling with a fresh cookie gets a well formed (empty) reply;
// unauthenticated sessions never receive events.
var preAuthActions = map[string]bool{
	"login":     true,
	"logoff":    true,
	"challenge": true,
	"waitevent": true,
}

// Dispatch routes msg for s and returns the reply text. Events are not
// appended; the transport drains them after writing the reply.
func (m *Manager) Dispatch(ctx context.Context, s *Session, msg *wire.Message) (string, Result) {
	r := &Request{Session: s, Message: msg, m: m, actionID: msg.Get("ActionID")}
	res := m.dispatch(ctx, r)
	return r.Text(), res
}

func (m *Manager) dispatch(ctx context.Context, r *Request) Result {
	s := r.Session
	name := r.Get("Action")
	if name == "" {
		r.Error("Missing action in request")
		return ResultContinue
	}
	key := strings.ToLower(name)
	if !s.Authenticated() && !preAuthActions[key] {
		r.Error("Permission denied")
		return ResultContinue
	}
	if (key == "login" || key == "challenge") && !m.Settings().AllowMultipleLogin {
		if user := r.Get("Username"); user != "" && m.sessions.loggedIn(user, s) {
			s.logger.Warn("amid.manager.login_in_use", "user", user)
			m.penalty(ctx)
			r.Error("Login Already In Use")
			s.markDestroy("login_in_use")
			return ResultClose
		}
	}

	a, ok := m.actions.acquire(name)
	if !ok {
		r.Error("Invalid/unknown command: " + name + ". Use Action: ListCommands to show available commands.")
		m.metrics.recordAction(ctx, name, "unknown")
		return ResultContinue
	}
	defer a.refs.Add(-1)

	if !a.Allowed(s.WriteMask()) {
		s.logger.Debug("amid.manager.action.denied", "action", a.Name, "privilege", a.Privilege().String())
		r.Error("Permission denied")
		m.metrics.recordAction(ctx, a.Name, "denied")
		return ResultContinue
	}

	ctx, span := m.tracer.Start(ctx, "amid.manager.action", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("amid.manager.action", a.Name),
		attribute.String("amid.manager.transport", s.transport),
		attribute.String("amid.manager.session", s.xid),
	)
	defer span.End()

	begin := time.Now()
	res, err := a.Handler(ctx, r)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "action_error")
		s.logger.Warn("amid.manager.action.error", "action", a.Name, "error", err)
		if !r.Replied() {
			r.Error(err.Error())
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	m.metrics.recordAction(ctx, a.Name, outcome)
	s.logger.Trace("amid.manager.action",
		"action", a.Name,
		"action_id", r.actionID,
		"duration", time.Since(begin),
		"result", outcome)
	if res == ResultClose {
		s.markDestroy("action_" + strings.ToLower(a.Name))
	}
	return res
}

// suppressEvents reports whether msg asked not to have events drained after
// its reply.
func suppressEvents(msg *wire.Message) bool {
	return perm.IsTrue(msg.Get("SuppressEvents"))
}

// penalty sleeps the authentication penalty unless ctx ends first.
func (m *Manager) penalty(ctx context.Context) {
	if m.authPenalty <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-m.clock.After(m.authPenalty):
	}
}
