package manager

import (
	"strings"
	"testing"
)

func TestRenderXMLEscapesAndDisambiguates(t *testing.T) {
	text := "Response: Success\r\nMessage: a<b & \"c\"\r\nMessage: it's\r\nCaller-ID Num: 100\r\n\r\n" +
		"Event: Status\r\n\r\n"
	got := RenderXML(text, "", "")
	want := "<ajax-response>\n" +
		"<response type='object' id='unknown'><generic response='Success' message='a&lt;b &amp; &quot;c&quot;' message-1='it&apos;s' caller_id_num='100' /></response>\n" +
		"<response type='object' id='unknown'><generic event='Status' /></response>\n" +
		"</ajax-response>\n"
	if got != want {
		t.Fatalf("xml\n%q\nwant\n%q", got, want)
	}
}

func TestRenderXMLOpaqueLines(t *testing.T) {
	text := "Response: Follows\r\nPrivilege: Command\r\nline one\n--END COMMAND--\r\n\r\n"
	got := RenderXML(text, "dest", "item")
	if !strings.Contains(got, "id='dest'><item response='Follows'") {
		t.Fatalf("xml %q", got)
	}
	if !strings.Contains(got, "opaque_data='line one' opaque_data-1='--END COMMAND--'") {
		t.Fatalf("opaque lines %q", got)
	}
}

func TestRenderHTMLGroups(t *testing.T) {
	text := "Response: Success\r\nMessage: <ok>\r\n\r\nEvent: X\r\n\r\n"
	got := RenderHTML(text)
	if strings.Count(got, "<hr>") != 2 {
		t.Fatalf("expected a rule per group: %q", got)
	}
	if !strings.Contains(got, "<tr><td>Message</td><td>&lt;ok&gt;</td></tr>") {
		t.Fatalf("row missing: %q", got)
	}
}

func TestRenderRawIsVerbatim(t *testing.T) {
	text := "Response: Success\r\nPing: Pong\r\n\r\n"
	if got := Render(FormatRaw, text, "", ""); got != text {
		t.Fatalf("raw %q", got)
	}
}
