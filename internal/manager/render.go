package manager

import (
	"strconv"
	"strings"

	"pkt.systems/amid/internal/wire"
)

// Format selects the HTTP output rendering.
type Format int

const (
	FormatRaw Format = iota
	FormatHTML
	FormatXML
)

func (f Format) contentType() string {
	switch f {
	case FormatHTML:
		return "text/html"
	case FormatXML:
		return "text/xml"
	}
	return "text/plain"
}

// opaqueKey names lines that carry no colon, such as Command output.
const opaqueKey = "opaque_data"

var markupEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	"&", "&amp;",
	"'", "&apos;",
	`"`, "&quot;",
)

type renderLine struct {
	key    string
	value  string
	opaque bool
}

// splitGroups cuts reply text into blank-line separated groups of lines.
func splitGroups(text string) [][]renderLine {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var groups [][]renderLine
	var cur []renderLine
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			if len(cur) > 0 {
				groups = append(groups, cur)
				cur = nil
			}
			continue
		}
		h, ok := wire.SplitHeader(line)
		if !ok {
			cur = append(cur, renderLine{key: opaqueKey, value: line, opaque: true})
			continue
		}
		cur = append(cur, renderLine{key: h.Name, value: h.Value})
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// xmlKey lowercases name and replaces anything that is not a letter or digit
// with an underscore.
func xmlKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// RenderXML turns reply text into an ajax-response document. Each group
// becomes one response element; repeated keys within a group get a -n
// suffix.
func RenderXML(text, dest, objType string) string {
	if dest == "" {
		dest = "unknown"
	}
	if objType == "" {
		objType = "generic"
	}
	var b strings.Builder
	b.WriteString("<ajax-response>\n")
	for _, group := range splitGroups(text) {
		b.WriteString("<response type='object' id='")
		b.WriteString(markupEscaper.Replace(dest))
		b.WriteString("'><")
		b.WriteString(markupEscaper.Replace(objType))
		seen := make(map[string]int, len(group))
		for _, line := range group {
			key := xmlKey(line.key)
			seen[key]++
			if n := seen[key]; n > 1 {
				key += "-" + strconv.Itoa(n-1)
			}
			b.WriteByte(' ')
			b.WriteString(key)
			b.WriteString("='")
			b.WriteString(markupEscaper.Replace(line.value))
			b.WriteByte('\'')
		}
		b.WriteString(" /></response>\n")
	}
	b.WriteString("</ajax-response>\n")
	return b.String()
}

// RenderHTML turns reply text into table rows with a rule between groups.
func RenderHTML(text string) string {
	var b strings.Builder
	b.WriteString("<title>Manager Interface</title>\n")
	b.WriteString("<body bgcolor=\"#ffffff\"><table align=\"center\" bgcolor=\"#f1f1f1\" width=\"500\">\n")
	b.WriteString("<tr><td colspan=\"2\" bgcolor=\"#f1f1ff\"><h1>Manager Tester</h1></td></tr>\n")
	for _, group := range splitGroups(text) {
		for _, line := range group {
			if line.opaque {
				b.WriteString("<tr><td colspan=\"2\">")
				b.WriteString(markupEscaper.Replace(line.value))
				b.WriteString("</td></tr>\n")
				continue
			}
			b.WriteString("<tr><td>")
			b.WriteString(markupEscaper.Replace(line.key))
			b.WriteString("</td><td>")
			b.WriteString(markupEscaper.Replace(line.value))
			b.WriteString("</td></tr>\n")
		}
		b.WriteString("<tr><td colspan=\"2\"><hr></td></tr>\n")
	}
	b.WriteString("</table></body>\n")
	return b.String()
}

// Render formats reply text for f.
func Render(f Format, text, dest, objType string) string {
	switch f {
	case FormatHTML:
		return RenderHTML(text)
	case FormatXML:
		return RenderXML(text, dest, objType)
	}
	return text
}
