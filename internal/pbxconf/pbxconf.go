// Package pbxconf models categorized INI configuration files such as
// manager.conf. Files are parsed with go-ini; the in-memory model
// keeps categories and variables in file order so they can be listed,
// edited and saved back.
package pbxconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-ini/ini"
)

var (
	ErrCategoryNotFound = errors.New("pbxconf: category not found")
	ErrCategoryExists   = errors.New("pbxconf: category exists")
	ErrVariableNotFound = errors.New("pbxconf: variable not found")
	ErrInvalidName      = errors.New("pbxconf: invalid name")
)

// Variable is one name=value assignment.
type Variable struct {
	Name  string
	Value string
}

// Category is a bracketed section and its variables in file order.
type Category struct {
	Name string
	Vars []Variable
}

// Get returns the first value assigned to name (case-insensitive).
func (c *Category) Get(name string) (string, bool) {
	for _, v := range c.Vars {
		if strings.EqualFold(v.Name, name) {
			return v.Value, true
		}
	}
	return "", false
}

// GetAll returns every value assigned to name in order.
func (c *Category) GetAll(name string) []string {
	var out []string
	for _, v := range c.Vars {
		if strings.EqualFold(v.Name, name) {
			out = append(out, v.Value)
		}
	}
	return out
}

// Append adds a variable at the end of the category.
func (c *Category) Append(name, value string) {
	c.Vars = append(c.Vars, Variable{Name: name, Value: value})
}

// Insert places a variable before position line. Positions past the end
// append.
func (c *Category) Insert(name, value string, line int) {
	if line < 0 {
		line = 0
	}
	if line >= len(c.Vars) {
		c.Append(name, value)
		return
	}
	c.Vars = append(c.Vars, Variable{})
	copy(c.Vars[line+1:], c.Vars[line:])
	c.Vars[line] = Variable{Name: name, Value: value}
}

// Update replaces the value of the first variable called name. When match is
// non-empty only a variable currently holding match is replaced.
func (c *Category) Update(name, value, match string) error {
	for i := range c.Vars {
		if !strings.EqualFold(c.Vars[i].Name, name) {
			continue
		}
		if match != "" && c.Vars[i].Value != match {
			continue
		}
		c.Vars[i].Value = value
		return nil
	}
	return fmt.Errorf("%w: %s", ErrVariableNotFound, name)
}

// Delete removes every variable called name, restricted to those holding
// match when match is non-empty.
func (c *Category) Delete(name, match string) error {
	kept := c.Vars[:0]
	removed := 0
	for _, v := range c.Vars {
		if strings.EqualFold(v.Name, name) && (match == "" || v.Value == match) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	c.Vars = kept
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrVariableNotFound, name)
	}
	return nil
}

// File is a parsed configuration file.
type File struct {
	Name       string
	Categories []*Category
}

// New returns an empty file.
func New(name string) *File {
	return &File{Name: name}
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		AllowShadows:               true,
		AllowDuplicateShadowValues: true,
		AllowNonUniqueSections:     true,
		AllowBooleanKeys:           true,
		KeyValueDelimiters:         "=",
		KeyValueDelimiterOnWrite:   "=",
		PreserveSurroundedQuote:    true,
		SpaceBeforeInlineComment:   true,
		IgnoreContinuation:         true,
	}
}

// Parse reads INI text. Variables that appear before the first category are
// ignored. Repeated variable names inside one category keep their source
// positions, so interleaved permit and deny lines stay in file order.
func Parse(name string, data []byte) (*File, error) {
	src, err := ini.LoadSources(loadOptions(), data)
	if err != nil {
		return nil, fmt.Errorf("pbxconf: parse %s: %w", name, err)
	}
	order := sourceOrder(data)
	f := New(name)
	n := 0
	for _, sec := range src.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		var names []string
		if n < len(order) {
			names = order[n]
		}
		n++
		f.Categories = append(f.Categories, buildCategory(sec, names))
	}
	return f, nil
}

// buildCategory lays out the values go-ini collected for sec in the order
// their names appear in the source. Values the scan did not account for are
// appended in go-ini order.
func buildCategory(sec *ini.Section, order []string) *Category {
	pending := make(map[string][]string)
	var keys []string
	for _, key := range sec.Keys() {
		values := key.ValueWithShadows()
		if len(values) == 0 {
			values = []string{""}
		}
		pending[key.Name()] = values
		keys = append(keys, key.Name())
	}
	cat := &Category{Name: sec.Name()}
	for _, name := range order {
		values := pending[name]
		if len(values) == 0 {
			continue
		}
		cat.Append(name, strings.TrimPrefix(values[0], ">"))
		pending[name] = values[1:]
	}
	for _, name := range keys {
		for _, value := range pending[name] {
			cat.Append(name, strings.TrimPrefix(value, ">"))
		}
	}
	return cat
}

// sourceOrder lists the variable names of every category header in the
// source, one slice per header, in line order.
func sourceOrder(data []byte) [][]string {
	var out [][]string
	text := strings.TrimPrefix(string(data), "\ufeff")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line[0] == ';' || line[0] == '#':
			continue
		case line[0] == '[':
			out = append(out, nil)
			continue
		case len(out) == 0:
			continue
		}
		name := line
		if i := strings.IndexByte(line, '='); i >= 0 {
			name = strings.TrimSpace(line[:i])
		}
		out[len(out)-1] = append(out[len(out)-1], name)
	}
	return out
}

// WriteTo renders the file in INI form. Variables are written one per line
// in model order; go-ini's writer would group repeated names together.
// Values are quoted the way go-ini quotes them so Parse reads them back.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for i, cat := range f.Categories {
		if err := validCategory(cat.Name); err != nil {
			return 0, fmt.Errorf("pbxconf: category %q: %w", cat.Name, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "[%s]\n", cat.Name)
		for _, v := range cat.Vars {
			name := strings.TrimSpace(v.Name)
			if name == "" || strings.ContainsAny(name, "=\r\n") {
				return 0, fmt.Errorf("pbxconf: %s/%q: %w", cat.Name, v.Name, ErrInvalidName)
			}
			fmt.Fprintf(&buf, "%s = %s\n", name, quoteValue(v.Value))
		}
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func quoteValue(v string) string {
	switch {
	case strings.ContainsAny(v, "\n`"):
		return `"""` + v + `"""`
	case strings.ContainsAny(v, "#;"):
		return "`" + v + "`"
	}
	return v
}

// Bytes returns the rendered file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Category returns the first category called name.
func (f *File) Category(name string) (*Category, bool) {
	for _, c := range f.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// CategoryNames returns the category names in file order.
func (f *File) CategoryNames() []string {
	out := make([]string, len(f.Categories))
	for i, c := range f.Categories {
		out[i] = c.Name
	}
	return out
}

// NewCategory appends an empty category.
func (f *File) NewCategory(name string) (*Category, error) {
	if err := validCategory(name); err != nil {
		return nil, err
	}
	if _, ok := f.Category(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrCategoryExists, name)
	}
	c := &Category{Name: name}
	f.Categories = append(f.Categories, c)
	return c, nil
}

// RenameCategory renames the first category called from.
func (f *File) RenameCategory(from, to string) error {
	if err := validCategory(to); err != nil {
		return err
	}
	c, ok := f.Category(from)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCategoryNotFound, from)
	}
	c.Name = to
	return nil
}

// DeleteCategory removes the first category called name.
func (f *File) DeleteCategory(name string) error {
	for i, c := range f.Categories {
		if c.Name == name {
			f.Categories = append(f.Categories[:i], f.Categories[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
}

// EmptyCategory drops every variable of the named category.
func (f *File) EmptyCategory(name string) error {
	c, ok := f.Category(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
	}
	c.Vars = nil
	return nil
}

func validCategory(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "[]\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
