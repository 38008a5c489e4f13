package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// MaxLine bounds a single protocol line. Longer lines are truncated and the
// excess is discarded.
const MaxLine = 1024

// Reader reads lines and messages from a stream. Lines may end in CRLF or a
// lone LF.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadLine returns the next line without its terminator. An unterminated
// non-empty final line is returned before io.EOF is reported.
func (r *Reader) ReadLine() (string, error) {
	var buf []byte
	truncated := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !truncated {
			room := MaxLine - len(buf)
			if len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			break
		}
		return "", err
	}
	buf = bytes.TrimRight(buf, "\n")
	buf = bytes.TrimRight(buf, "\r")
	return string(buf), nil
}

// ReadMessage collects header lines up to the next blank line. A blank line
// with no preceding headers yields an empty message.
func (r *Reader) ReadMessage() (*Message, error) {
	m := &Message{}
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return m, nil
		}
		m.AddLine(line)
	}
}

// ReadBlock reads one response block. Blocks of kind Follows run to the
// command terminator rather than the first blank line; their free-form
// output is returned in the second result.
func (r *Reader) ReadBlock() ([]Header, string, error) {
	var headers []Header
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, "", err
		}
		if line == "" {
			if len(headers) == 0 {
				continue
			}
			return headers, "", nil
		}
		h, _ := SplitHeader(line)
		headers = append(headers, h)
		if strings.EqualFold(h.Name, "Response") && strings.EqualFold(h.Value, "Follows") {
			return r.readFollows(headers)
		}
	}
}

func (r *Reader) readFollows(headers []Header) ([]Header, string, error) {
	var out strings.Builder
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, "", err
		}
		if strings.HasSuffix(line, EndCommand) {
			out.WriteString(strings.TrimSuffix(line, EndCommand))
			break
		}
		if h, ok := SplitHeader(line); ok && out.Len() == 0 && isFollowsHeader(h.Name) {
			headers = append(headers, h)
			continue
		}
		out.WriteString(line)
		out.WriteString("\n")
	}
	// consume the blank line that closes the block
	if _, err := r.ReadLine(); err != nil && !errors.Is(err, io.EOF) {
		return nil, "", err
	}
	return headers, out.String(), nil
}

func isFollowsHeader(name string) bool {
	switch strings.ToLower(name) {
	case "privilege", "actionid":
		return true
	}
	return false
}
