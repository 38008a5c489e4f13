package manager

import (
	"strconv"

	"pkt.systems/amid/internal/wire"
)

// Response kinds.
const (
	KindSuccess = "Success"
	KindError   = "Error"
	KindFollows = "Follows"
	KindGoodbye = "Goodbye"
)

// Request is one dispatched message together with its reply buffer.
type Request struct {
	Session *Session
	Message *wire.Message

	m        *Manager
	actionID string
	out      wire.Builder
}

// Get returns a header of the inbound message.
func (r *Request) Get(name string) string {
	return r.Message.Get(name)
}

// ActionID echoes the client's ActionID header.
func (r *Request) ActionID() string {
	return r.actionID
}

// Manager returns the dispatching manager.
func (r *Request) Manager() *Manager {
	return r.m
}

// Replied reports whether anything has been written.
func (r *Request) Replied() bool {
	return r.out.Len() > 0
}

// Text returns the reply written so far.
func (r *Request) Text() string {
	return r.out.String()
}

// Begin writes the Response line and the ActionID, leaving the block open
// for body headers.
func (r *Request) Begin(kind string) *Request {
	r.out.Header("Response", kind)
	if r.actionID != "" {
		r.out.Header("ActionID", r.actionID)
	}
	return r
}

// Header adds a body header.
func (r *Request) Header(name, value string) *Request {
	r.out.Header(name, value)
	return r
}

// Headerf adds a formatted body header.
func (r *Request) Headerf(name, format string, args ...any) *Request {
	r.out.Headerf(name, format, args...)
	return r
}

// Raw appends text verbatim.
func (r *Request) Raw(text string) *Request {
	r.out.Raw(text)
	return r
}

// End closes the current block.
func (r *Request) End() {
	r.out.End()
}

// Respond writes a complete block of the given kind. An empty message
// omits the Message header.
func (r *Request) Respond(kind, message string) {
	r.Begin(kind)
	if message != "" {
		r.out.Header("Message", message)
	}
	r.out.End()
}

// Error replies with Response: Error.
func (r *Request) Error(message string) {
	r.Respond(KindError, message)
}

// Ack replies with Response: Success.
func (r *Request) Ack(message string) {
	r.Respond(KindSuccess, message)
}

// ListAck opens an event list: a Success block with EventList: start.
func (r *Request) ListAck(message string) {
	r.Begin(KindSuccess)
	r.out.Header("EventList", "start")
	if message != "" {
		r.out.Header("Message", message)
	}
	r.out.End()
}

// Event writes a reply-scoped event block carrying the ActionID.
func (r *Request) Event(name string, headers ...wire.Header) {
	r.out.Header("Event", name)
	if r.actionID != "" {
		r.out.Header("ActionID", r.actionID)
	}
	for _, h := range headers {
		r.out.Header(h.Name, h.Value)
	}
	r.out.End()
}

// ListComplete closes an event list opened with ListAck.
func (r *Request) ListComplete(name string, items int, extra ...wire.Header) {
	headers := append([]wire.Header{
		{Name: "EventList", Value: "Complete"},
		{Name: "ListItems", Value: strconv.Itoa(items)},
	}, extra...)
	r.Event(name, headers...)
}

// Follows writes a Follows response whose body is free text closed by the
// command terminator.
func (r *Request) Follows(output string) {
	r.out.Header("Response", KindFollows)
	r.out.Header("Privilege", "Command")
	if r.actionID != "" {
		r.out.Header("ActionID", r.actionID)
	}
	r.out.Raw(output)
	if output != "" && output[len(output)-1] != '\n' {
		r.out.Raw("\n")
	}
	r.out.Raw(wire.EndCommand)
	r.out.Raw("\r\n\r\n")
}
