package perm

import "testing"

func TestMaskString(t *testing.T) {
	cases := []struct {
		mask Mask
		want string
	}{
		{0, "<none>"},
		{Call, "call"},
		{System | Call | Reporting, "system,call,reporting"},
		{AGI | System, "system,agi"},
	}
	for _, tc := range cases {
		if got := tc.mask.String(); got != tc.want {
			t.Fatalf("Mask(%d).String() = %q, want %q", tc.mask, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Mask
	}{
		{"", 0},
		{"all", All},
		{"system, call ,log", System | Call | Log},
		{"CALL,bogus", Call},
		{"6", Call | Log},
	}
	for _, tc := range cases {
		if got := Parse(tc.in); got != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseEvents(t *testing.T) {
	cases := []struct {
		in   string
		want Mask
		ok   bool
	}{
		{"on", All, true},
		{"off", 0, true},
		{"true", All, true},
		{"False", 0, true},
		{"2", Call, true},
		{"call,dtmf", Call | DTMF, true},
		{"", 0, false},
		{"nothing", 0, true},
	}
	for _, tc := range cases {
		got, ok := ParseEvents(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseEvents(%q) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHas(t *testing.T) {
	if !(System | Call).Has(Call) {
		t.Fatalf("expected system,call to cover call")
	}
	if Call.Has(System | Call) {
		t.Fatalf("call alone must not cover system,call")
	}
	if !Call.Has(0) {
		t.Fatalf("every mask covers the empty mask")
	}
	if !Call.HasAny(Call|Reporting) || !Reporting.HasAny(Call|Reporting) {
		t.Fatalf("one shared bit must satisfy HasAny")
	}
	if System.HasAny(Call|Reporting) || Call.HasAny(0) {
		t.Fatalf("HasAny matched without a shared bit")
	}
}
