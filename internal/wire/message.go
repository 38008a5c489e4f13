// Package wire implements the line-framed manager protocol: requests and
// responses are runs of "Name: Value" lines closed by a blank line.
package wire

import (
	"strings"
)

// MaxHeaders caps the number of headers kept per inbound message. Further
// headers are dropped without error.
const MaxHeaders = 128

// Header is one parsed "Name: Value" line.
type Header struct {
	Name  string
	Value string
}

// Message is an inbound request: an ordered list of raw header lines.
type Message struct {
	lines []string
}

// NewMessage builds a message from name/value pairs. It is mostly useful for
// synthetic requests such as those built from HTTP form parameters.
func NewMessage(headers ...Header) *Message {
	m := &Message{}
	for _, h := range headers {
		m.Add(h.Name, h.Value)
	}
	return m
}

// Add appends a header. It returns false when the header cap is reached.
func (m *Message) Add(name, value string) bool {
	return m.AddLine(name + ": " + value)
}

// AddLine appends a raw header line. Lines without a colon are ignored and
// lines beyond MaxHeaders are discarded; both report false.
func (m *Message) AddLine(line string) bool {
	if len(m.lines) >= MaxHeaders {
		return false
	}
	if !strings.Contains(line, ":") {
		return false
	}
	m.lines = append(m.lines, line)
	return true
}

// Len returns the number of headers.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.lines)
}

// Lines returns the raw header lines in arrival order.
func (m *Message) Lines() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}

// Headers returns the parsed headers in arrival order.
func (m *Message) Headers() []Header {
	if m == nil {
		return nil
	}
	out := make([]Header, 0, len(m.lines))
	for _, line := range m.lines {
		if h, ok := SplitHeader(line); ok {
			out = append(out, h)
		}
	}
	return out
}

// Get returns the value of the first header whose name matches
// case-insensitively, with surrounding blanks removed. Missing headers yield
// the empty string.
func (m *Message) Get(name string) string {
	if m == nil {
		return ""
	}
	for _, line := range m.lines {
		if v, ok := matchHeader(line, name); ok {
			return v
		}
	}
	return ""
}

// GetAll returns every value carried under name, in order.
func (m *Message) GetAll(name string) []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, line := range m.lines {
		if v, ok := matchHeader(line, name); ok {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether a header named name is present, even with an empty value.
func (m *Message) Has(name string) bool {
	if m == nil {
		return false
	}
	for _, line := range m.lines {
		if _, ok := matchHeader(line, name); ok {
			return true
		}
	}
	return false
}

// Encode renders the message in wire form including the closing blank line.
func (m *Message) Encode() string {
	var b strings.Builder
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func matchHeader(line, name string) (string, bool) {
	if len(line) <= len(name) || line[len(name)] != ':' {
		return "", false
	}
	if !strings.EqualFold(line[:len(name)], name) {
		return "", false
	}
	return strings.TrimSpace(line[len(name)+1:]), true
}

// SplitHeader splits a line at its first colon. Leading blanks of the value
// are removed. The second result is false when the line has no colon.
func SplitHeader(line string) (Header, bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Header{Name: line}, false
	}
	return Header{
		Name:  strings.TrimSpace(line[:idx]),
		Value: strings.TrimLeft(line[idx+1:], " \t"),
	}, true
}
