package wire

import (
	"fmt"
	"strings"
)

// EndCommand closes the free-form body of a Follows response.
const EndCommand = "--END COMMAND--"

// Builder accumulates outbound protocol text.
type Builder struct {
	b strings.Builder
}

// Header appends "name: value\r\n".
func (b *Builder) Header(name, value string) *Builder {
	b.b.WriteString(name)
	b.b.WriteString(": ")
	b.b.WriteString(value)
	b.b.WriteString("\r\n")
	return b
}

// Headerf appends a header whose value is produced by fmt.Sprintf.
func (b *Builder) Headerf(name, format string, args ...any) *Builder {
	return b.Header(name, fmt.Sprintf(format, args...))
}

// Raw appends text unchanged.
func (b *Builder) Raw(text string) *Builder {
	b.b.WriteString(text)
	return b
}

// End appends the blank line that terminates a block.
func (b *Builder) End() *Builder {
	b.b.WriteString("\r\n")
	return b
}

// Len returns the number of buffered bytes.
func (b *Builder) Len() int {
	return b.b.Len()
}

// String returns the buffered text.
func (b *Builder) String() string {
	return b.b.String()
}

// Reset empties the builder.
func (b *Builder) Reset() {
	b.b.Reset()
}

// Encode renders a complete block from headers.
func Encode(headers []Header) string {
	var b Builder
	for _, h := range headers {
		b.Header(h.Name, h.Value)
	}
	b.End()
	return b.String()
}

// ParseBlocks splits protocol text into blank-line separated blocks. CRLF and
// LF terminators are both accepted. Lines without a colon become headers with
// an empty value.
func ParseBlocks(text string) [][]Header {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks [][]Header
	var cur []Header
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		h, _ := SplitHeader(line)
		cur = append(cur, h)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}
