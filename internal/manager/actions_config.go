package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/amid/internal/pbxconf"
	"pkt.systems/amid/internal/perm"
)

// maxDirectives bounds the numbered directives read by UpdateConfig.
const maxDirectives = 100000

func (m *Manager) configActions() []*Action {
	return []*Action{
		{Name: "GetConfig", AnyOf: perm.System | perm.Config, Synopsis: "Retrieve configuration", Handler: m.actionGetConfig,
			Description: "Returns Filename as Category-NNNNNN and Line-NNNNNN-NNNNNN headers. Category limits the output to one category."},
		{Name: "GetConfigJSON", AnyOf: perm.System | perm.Config, Synopsis: "Retrieve configuration (JSON format)", Handler: m.actionGetConfigJSON},
		{Name: "UpdateConfig", Required: perm.Config, Synopsis: "Update basic configuration", Handler: m.actionUpdateConfig,
			Description: "Applies numbered Action-NNNNNN directives with Cat/Var/Value/Match/Line companions to SrcFilename and saves DstFilename. Reload reloads a module afterwards."},
		{Name: "CreateConfig", Required: perm.Config, Synopsis: "Creates an empty file in the configuration directory", Handler: m.actionCreateConfig},
		{Name: "ListCategories", Required: perm.Config, Synopsis: "List categories in configuration file", Handler: m.actionListCategories},
	}
}

func (m *Manager) loadConfigFile(r *Request, header string) (*pbxconf.File, bool) {
	if m.confDir == nil {
		r.Error("Config file not found")
		return nil, false
	}
	name := r.Get(header)
	if name == "" {
		r.Error("Filename not specified")
		return nil, false
	}
	f, err := m.confDir.Load(name)
	if err != nil {
		if !errors.Is(err, pbxconf.ErrFileNotFound) && !errors.Is(err, pbxconf.ErrBadFilename) {
			r.Session.logger.Warn("amid.manager.config.read_failed", "file", name, "error", err)
		}
		r.Error("Config file not found")
		return nil, false
	}
	return f, true
}

func (m *Manager) actionGetConfig(_ context.Context, r *Request) (Result, error) {
	f, ok := m.loadConfigFile(r, "Filename")
	if !ok {
		return ResultContinue, nil
	}
	only := r.Get("Category")
	r.Begin(KindSuccess)
	catCount := 0
	for _, cat := range f.Categories {
		if only != "" && !strings.EqualFold(only, cat.Name) {
			continue
		}
		r.Headerf(fmt.Sprintf("Category-%06d", catCount), "%s", cat.Name)
		for i, v := range cat.Vars {
			r.Headerf(fmt.Sprintf("Line-%06d-%06d", catCount, i), "%s=%s", v.Name, v.Value)
		}
		catCount++
	}
	if only != "" && catCount == 0 {
		r.Header("Message", "No categories found")
	}
	r.End()
	return ResultContinue, nil
}

func (m *Manager) actionGetConfigJSON(_ context.Context, r *Request) (Result, error) {
	f, ok := m.loadConfigFile(r, "Filename")
	if !ok {
		return ResultContinue, nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cat := range f.Categories {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, cat.Name)
		buf.WriteString(":{")
		for j, v := range cat.Vars {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(&buf, v.Name)
			buf.WriteByte(':')
			writeJSONString(&buf, v.Value)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	r.Begin(KindSuccess).Header("JSON", buf.String()).End()
	return ResultContinue, nil
}

// writeJSONString appends s as a JSON string. Objects are assembled by hand
// so repeated keys keep their file order.
func writeJSONString(buf *bytes.Buffer, s string) {
	enc, _ := json.Marshal(s)
	buf.Write(enc)
}

func (m *Manager) actionListCategories(_ context.Context, r *Request) (Result, error) {
	f, ok := m.loadConfigFile(r, "Filename")
	if !ok {
		return ResultContinue, nil
	}
	names := f.CategoryNames()
	if len(names) == 0 {
		r.Error("No categories found")
		return ResultContinue, nil
	}
	r.Begin(KindSuccess)
	for i, name := range names {
		r.Header(fmt.Sprintf("Category-%06d", i), name)
	}
	r.End()
	return ResultContinue, nil
}

func (m *Manager) actionCreateConfig(_ context.Context, r *Request) (Result, error) {
	name := r.Get("Filename")
	if name == "" {
		r.Error("Filename not specified")
		return ResultContinue, nil
	}
	if m.confDir == nil {
		r.Error("Save of config failed")
		return ResultContinue, nil
	}
	if err := m.confDir.Create(name); err != nil {
		if errors.Is(err, pbxconf.ErrFileExists) {
			r.Error("Config file exists")
			return ResultContinue, nil
		}
		r.Session.logger.Warn("amid.manager.config.create_failed", "file", name, "error", err)
		r.Error("Save of config failed")
		return ResultContinue, nil
	}
	r.Session.logger.Info("amid.manager.config.created", "file", name, "user", r.Session.Username())
	r.Ack("New configuration file created successfully")
	return ResultContinue, nil
}

// directiveError maps an Apply failure to its client message.
func directiveError(err error) string {
	switch {
	case errors.Is(err, pbxconf.ErrUnknownAction):
		return "Unknown action command"
	case errors.Is(err, pbxconf.ErrUnspecifiedCategory):
		return "Category not specified"
	case errors.Is(err, pbxconf.ErrUnspecifiedArgument):
		return "Problem with category, value, or line (if required)"
	case errors.Is(err, pbxconf.ErrUnknownCategory):
		return "Given category does not exist"
	case errors.Is(err, pbxconf.ErrNewCat):
		return "Create category did not complete successfully"
	case errors.Is(err, pbxconf.ErrDelCat):
		return "Delete category did not complete successfully"
	case errors.Is(err, pbxconf.ErrEmptyCat):
		return "Empty category did not complete successfully"
	case errors.Is(err, pbxconf.ErrUpdate):
		return "Update did not complete successfully"
	case errors.Is(err, pbxconf.ErrDelete):
		return "Delete did not complete successfully"
	case errors.Is(err, pbxconf.ErrAppend):
		return "Append did not complete successfully"
	}
	return "Unknown error"
}

// readDirectives collects Action-NNNNNN directives in order, stopping at the
// first missing number.
func readDirectives(r *Request) []pbxconf.Directive {
	var out []pbxconf.Directive
	for i := 0; i < maxDirectives; i++ {
		suffix := fmt.Sprintf("-%06d", i)
		action := r.Get("Action" + suffix)
		if action == "" {
			break
		}
		out = append(out, pbxconf.Directive{
			Action: action,
			Cat:    r.Get("Cat" + suffix),
			Var:    r.Get("Var" + suffix),
			Value:  r.Get("Value" + suffix),
			Match:  r.Get("Match" + suffix),
			Line:   r.Get("Line" + suffix),
		})
	}
	return out
}

func (m *Manager) actionUpdateConfig(ctx context.Context, r *Request) (Result, error) {
	src := r.Get("SrcFilename")
	dst := r.Get("DstFilename")
	if src == "" || dst == "" {
		r.Error("Filename not specified")
		return ResultContinue, nil
	}
	f, ok := m.loadConfigFile(r, "SrcFilename")
	if !ok {
		return ResultContinue, nil
	}
	directives := readDirectives(r)
	for i, d := range directives {
		if err := f.Apply(d); err != nil {
			r.Session.logger.Debug("amid.manager.config.directive_failed", "index", i, "action", d.Action, "error", err)
			r.Error(directiveError(err))
			return ResultContinue, nil
		}
	}
	if err := m.confDir.SaveAs(f, dst); err != nil {
		r.Session.logger.Warn("amid.manager.config.save_failed", "file", dst, "error", err)
		r.Error("Save of config failed")
		return ResultContinue, nil
	}
	r.Session.logger.Info("amid.manager.config.updated",
		"src", src, "dst", dst, "directives", len(directives), "user", r.Session.Username())

	if reload := r.Get("Reload"); reload != "" && !perm.IsFalse(reload) && m.pbx.Modules != nil {
		module := reload
		if perm.IsTrue(reload) {
			module = ""
		}
		if err := m.pbx.Modules.ReloadModule(ctx, module); err != nil {
			r.Session.logger.Warn("amid.manager.config.reload_failed", "module", module, "error", err)
		}
	}
	r.Ack("")
	return ResultContinue, nil
}
