// Package perm defines the category bitmask shared by manager events and
// action permissions.
package perm

import (
	"strconv"
	"strings"
)

// Mask is a set of categories. Events carry one to describe what they are and
// sessions carry several to describe what they may see or do.
type Mask uint32

const (
	System Mask = 1 << iota
	Call
	Log
	Verbose
	Command
	Agent
	User
	Config
	DTMF
	Reporting
	CDR
	Dialplan
	Originate
	AGI
)

// All is every known category.
const All = System | Call | Log | Verbose | Command | Agent | User | Config | DTMF | Reporting | CDR | Dialplan | Originate | AGI

type category struct {
	bit  Mask
	name string
}

var categories = []category{
	{System, "system"},
	{Call, "call"},
	{Log, "log"},
	{Verbose, "verbose"},
	{Command, "command"},
	{Agent, "agent"},
	{User, "user"},
	{Config, "config"},
	{DTMF, "dtmf"},
	{Reporting, "reporting"},
	{CDR, "cdr"},
	{Dialplan, "dialplan"},
	{Originate, "originate"},
	{AGI, "agi"},
}

// Names returns the category names in bit order.
func Names() []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = c.name
	}
	return out
}

// Lookup returns the bit for a single category name.
func Lookup(name string) (Mask, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range categories {
		if c.name == name {
			return c.bit, true
		}
	}
	return 0, false
}

// String renders the mask as a comma-joined list of names, or "<none>".
func (m Mask) String() string {
	if m&All == 0 {
		return "<none>"
	}
	var b strings.Builder
	for _, c := range categories {
		if m&c.bit == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.name)
	}
	return b.String()
}

// Has reports whether every bit of req is present in m.
func (m Mask) Has(req Mask) bool {
	return m&req == req
}

// HasAny reports whether m shares at least one bit with req.
func (m Mask) HasAny(req Mask) bool {
	return m&req != 0
}

// Parse converts a manager.conf read/write value into a mask. The value is a
// comma list of category names where "all" selects every category. A purely
// numeric value is taken as a literal mask. Unknown names are ignored.
func Parse(value string) Mask {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if n, ok := literal(value); ok {
		return n
	}
	var m Mask
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "all" {
			m |= All
			continue
		}
		if bit, ok := Lookup(part); ok {
			m |= bit
		}
	}
	return m
}

// ParseEvents interprets the value of an Events or EventMask header. It
// accepts on/off, the usual boolean spellings, a positive integer, or a comma
// list of category names. The second result is false for an empty value.
func ParseEvents(value string) (Mask, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if n, ok := literal(value); ok {
		return n, true
	}
	if IsFalse(value) {
		return 0, true
	}
	if IsTrue(value) {
		return All, true
	}
	var m Mask
	for _, part := range strings.Split(value, ",") {
		if bit, ok := Lookup(part); ok {
			m |= bit
		}
	}
	return m, true
}

func literal(value string) (Mask, bool) {
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, false
	}
	return Mask(n), true
}

// IsTrue reports whether value is one of the accepted truthy spellings.
func IsTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "y", "t", "1", "on":
		return true
	}
	return false
}

// IsFalse reports whether value is one of the accepted falsy spellings.
func IsFalse(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "no", "false", "n", "f", "0", "off":
		return true
	}
	return false
}
