package cli

import (
	"path"
	"strings"

	"pkt.systems/amid/internal/pbxconf"
)

type permRule struct {
	permit bool
	words  []string // nil means all
}

func (p permRule) matches(args []string) bool {
	if p.words == nil {
		return true
	}
	if len(args) < len(p.words) {
		return false
	}
	for i, pattern := range p.words {
		ok, err := path.Match(pattern, strings.ToLower(args[i]))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Permissions is a parsed cli_permissions.conf. The zero value permits
// everything.
type Permissions struct {
	defaultDeny bool
	users       map[string][]permRule
}

// ParsePermissions builds Permissions from a parsed file. [general] carries
// default_perm; every other section names a user whose permit and deny
// entries are evaluated in order with the last match winning. Group sections
// (prefixed "@") are skipped.
func ParsePermissions(f *pbxconf.File) *Permissions {
	p := &Permissions{users: make(map[string][]permRule)}
	if f == nil {
		return p
	}
	for _, cat := range f.Categories {
		if cat.Name == "general" {
			if v, ok := cat.Get("default_perm"); ok && strings.EqualFold(strings.TrimSpace(v), "deny") {
				p.defaultDeny = true
			}
			continue
		}
		if strings.HasPrefix(cat.Name, "@") {
			continue
		}
		var rules []permRule
		for _, v := range cat.Vars {
			var permit bool
			switch strings.ToLower(v.Name) {
			case "permit":
				permit = true
			case "deny":
				permit = false
			default:
				continue
			}
			rules = append(rules, permRule{permit: permit, words: ruleWords(v.Value)})
		}
		p.users[strings.ToLower(cat.Name)] = rules
	}
	return p
}

func ruleWords(value string) []string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "all" || value == "" {
		return nil
	}
	return strings.Fields(value)
}

// Allowed reports whether user may run the command line.
func (p *Permissions) Allowed(user, line string) bool {
	if p == nil {
		return true
	}
	verdict := !p.defaultDeny
	rules, ok := p.users[strings.ToLower(user)]
	if !ok {
		return verdict
	}
	args := Tokenize(line)
	for _, r := range rules {
		if r.matches(args) {
			verdict = r.permit
		}
	}
	return verdict
}
