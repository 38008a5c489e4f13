package pbxconf

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleManagerConf = `
; manager interface
[general]
enabled = yes
port = 5038
bindaddr = 0.0.0.0

[admin]
secret = s3cr#t
deny = 0.0.0.0/0.0.0.0
permit = 127.0.0.1/255.255.255.0
permit = 10.0.0.0/8
read = system,call
write = all ; everything
`

func TestParseKeepsOrderAndDuplicates(t *testing.T) {
	f, err := Parse("manager.conf", []byte(sampleManagerConf))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.CategoryNames(); !reflect.DeepEqual(got, []string{"general", "admin"}) {
		t.Fatalf("unexpected categories %v", got)
	}
	admin, _ := f.Category("admin")
	if got := admin.GetAll("permit"); !reflect.DeepEqual(got, []string{"127.0.0.1/255.255.255.0", "10.0.0.0/8"}) {
		t.Fatalf("unexpected permit values %v", got)
	}
	if v, _ := admin.Get("secret"); v != "s3cr#t" {
		t.Fatalf("hash inside value must survive, got %q", v)
	}
	if v, _ := admin.Get("WRITE"); v != "all" {
		t.Fatalf("inline comment not stripped, got %q", v)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	f, err := Parse("manager.conf", []byte(sampleManagerConf))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := f.Bytes()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	again, err := Parse("manager.conf", data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	if !reflect.DeepEqual(f.Categories, again.Categories) {
		t.Fatalf("round trip mismatch\n%v\n%v\n%s", f.Categories, again.Categories, data)
	}
}

func TestApplyDirectives(t *testing.T) {
	f, _ := Parse("test.conf", []byte("[a]\nx = 1\ny = 2\n"))
	steps := []struct {
		d    Directive
		want error
	}{
		{Directive{Action: "Bogus", Cat: "a"}, ErrUnknownAction},
		{Directive{Action: "NewCat"}, ErrUnspecifiedCategory},
		{Directive{Action: "NewCat", Cat: "b"}, nil},
		{Directive{Action: "NewCat", Cat: "b"}, ErrNewCat},
		{Directive{Action: "Append", Cat: "b", Var: "k", Value: "v"}, nil},
		{Directive{Action: "Insert", Cat: "a", Var: "w", Value: "0", Line: "0"}, nil},
		{Directive{Action: "Insert", Cat: "a", Var: "w", Value: "0"}, ErrUnspecifiedArgument},
		{Directive{Action: "Update", Cat: "a", Var: "x", Value: "10", Match: "nope"}, ErrUpdate},
		{Directive{Action: "Update", Cat: "a", Var: "x", Value: "10", Match: "1"}, nil},
		{Directive{Action: "Delete", Cat: "a", Var: "y"}, nil},
		{Directive{Action: "Delete", Cat: "a", Var: "y"}, ErrDelete},
		{Directive{Action: "Update", Cat: "zzz", Var: "x"}, ErrUnknownCategory},
		{Directive{Action: "RenameCat", Cat: "b", Value: "c"}, nil},
		{Directive{Action: "RenameCat", Cat: "b"}, ErrUnspecifiedArgument},
		{Directive{Action: "RenameCat", Cat: "b", Value: "d"}, ErrUnknownCategory},
		{Directive{Action: "EmptyCat", Cat: "c"}, nil},
		{Directive{Action: "DelCat", Cat: "nope"}, ErrDelCat},
	}
	for i, step := range steps {
		err := f.Apply(step.d)
		if step.want == nil && err != nil {
			t.Fatalf("step %d (%+v): unexpected error %v", i, step.d, err)
		}
		if step.want != nil && !errors.Is(err, step.want) {
			t.Fatalf("step %d (%+v): expected %v, got %v", i, step.d, step.want, err)
		}
	}
	a, _ := f.Category("a")
	want := []Variable{{"w", "0"}, {"x", "10"}}
	if !reflect.DeepEqual(a.Vars, want) {
		t.Fatalf("unexpected vars in a: %v", a.Vars)
	}
	c, ok := f.Category("c")
	if !ok || len(c.Vars) != 0 {
		t.Fatalf("expected empty renamed category c")
	}
}

func TestDirSaveLoadCreate(t *testing.T) {
	dir := NewDir(t.TempDir())
	if _, err := dir.Load("missing.conf"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
	if err := dir.Create("new.conf"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := dir.Create("new.conf"); !errors.Is(err, ErrFileExists) {
		t.Fatalf("expected ErrFileExists, got %v", err)
	}
	f, err := dir.Load("new.conf")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	cat, _ := f.NewCategory("general")
	cat.Append("enabled", "yes")
	if err := dir.Save(f); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := dir.Load("new.conf")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, _ := again.Categories[0].Get("enabled"); v != "yes" {
		t.Fatalf("saved value lost: %q", v)
	}
	entries, _ := os.ReadDir(dir.Root())
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestDirRejectsEscapes(t *testing.T) {
	dir := NewDir(t.TempDir())
	for _, name := range []string{"", "../etc/passwd", "/etc/passwd", "a/../../x", ".."} {
		if _, err := dir.Path(name); !errors.Is(err, ErrBadFilename) {
			t.Fatalf("Path(%q) accepted", name)
		}
	}
	p, err := dir.Path("sub/ok.conf")
	if err != nil || p != filepath.Join(dir.Root(), "sub", "ok.conf") {
		t.Fatalf("unexpected path %q (%v)", p, err)
	}
}

func TestParseKeepsInterleavedOrder(t *testing.T) {
	text := "[ops]\npermit = 10.0.0.0/8\ndeny = 10.1.0.0/16\npermit = 10.1.2.0/24\nread = call\n\n[ops]\nwrite = call\n"
	f, err := Parse("manager.conf", []byte(text))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Variable{
		{"permit", "10.0.0.0/8"},
		{"deny", "10.1.0.0/16"},
		{"permit", "10.1.2.0/24"},
		{"read", "call"},
	}
	if len(f.Categories) != 2 {
		t.Fatalf("expected two ops categories, got %v", f.CategoryNames())
	}
	if !reflect.DeepEqual(f.Categories[0].Vars, want) {
		t.Fatalf("unexpected order %v", f.Categories[0].Vars)
	}
	if !reflect.DeepEqual(f.Categories[1].Vars, []Variable{{"write", "call"}}) {
		t.Fatalf("unexpected second category %v", f.Categories[1].Vars)
	}

	data, err := f.Bytes()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	again, err := Parse("manager.conf", data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	if !reflect.DeepEqual(again.Categories, f.Categories) {
		t.Fatalf("order lost on save\n%s", data)
	}
}
