package mempbx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"

	"pkt.systems/amid/internal/pbx"
	"pkt.systems/amid/internal/perm"
	"pkt.systems/amid/internal/wire"
)

// ReloadFunc reloads one module.
type ReloadFunc func(ctx context.Context) error

type module struct {
	info   pbx.Module
	reload ReloadFunc
}

// RegisterModule adds a loaded module. reload may be nil.
func (p *PBX) RegisterModule(name, description, version string, reload ReloadFunc) {
	p.mu.Lock()
	p.modules[strings.ToLower(name)] = &module{
		info:   pbx.Module{Name: name, Description: description, Version: version, Loaded: true},
		reload: reload,
	}
	p.mu.Unlock()
}

// ListModules returns modules ordered by name.
func (p *PBX) ListModules() []pbx.Module {
	p.mu.Lock()
	out := make([]pbx.Module, 0, len(p.modules))
	for _, m := range p.modules {
		out = append(out, m.info)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckModule returns a loaded module.
func (p *PBX) CheckModule(name string) (pbx.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.modules[moduleKey(name)]
	if !ok || !m.info.Loaded {
		return pbx.Module{}, fmt.Errorf("%w: %s", pbx.ErrNoSuchModule, name)
	}
	return m.info, nil
}

// LoadModule marks a known module loaded.
func (p *PBX) LoadModule(name string) error {
	return p.setLoaded(name, true)
}

// UnloadModule marks a known module unloaded.
func (p *PBX) UnloadModule(name string) error {
	return p.setLoaded(name, false)
}

func (p *PBX) setLoaded(name string, loaded bool) error {
	p.mu.Lock()
	m, ok := p.modules[moduleKey(name)]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", pbx.ErrNoSuchModule, name)
	}
	m.info.Loaded = loaded
	p.mu.Unlock()
	return nil
}

// ReloadModule runs the reload hook of name, or of every loaded module when
// name is empty.
func (p *PBX) ReloadModule(ctx context.Context, name string) error {
	p.mu.Lock()
	var targets []*module
	if name == "" {
		for _, m := range p.modules {
			if m.info.Loaded {
				targets = append(targets, m)
			}
		}
	} else {
		m, ok := p.modules[moduleKey(name)]
		if !ok || !m.info.Loaded {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", pbx.ErrNoSuchModule, name)
		}
		targets = append(targets, m)
	}
	p.mu.Unlock()

	var errs []error
	for _, m := range targets {
		if m.reload == nil {
			continue
		}
		if err := m.reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.info.Name, err))
		}
	}
	p.mu.Lock()
	p.reloaded = p.clock.Now()
	p.mu.Unlock()
	status := "Success"
	if len(errs) > 0 {
		status = "Failure"
	}
	moduleName := name
	if moduleName == "" {
		moduleName = "all"
	}
	p.emit(perm.System, "Reload",
		wire.Header{Name: "Module", Value: moduleName},
		wire.Header{Name: "Status", Value: status},
	)
	return errors.Join(errs...)
}

// moduleKey accepts names with or without the .so suffix.
func moduleKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".so")
}

// Info reports core status.
func (p *PBX) Info() pbx.CoreInfo {
	p.mu.Lock()
	info := pbx.CoreInfo{
		Version:      p.version,
		SystemName:   p.systemName,
		StartTime:    p.started,
		LastReload:   p.reloaded,
		CurrentCalls: len(p.channels),
		MaxCalls:     p.maxCalls,
		MaxLoadAvg:   p.maxLoad,
	}
	p.mu.Unlock()
	if info.SystemName == "" {
		if hi, err := host.Info(); err == nil && hi != nil {
			info.SystemName = hi.Hostname
		} else if hn, err := os.Hostname(); err == nil {
			info.SystemName = hn
		}
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.LoadAvg = avg.Load1
	}
	if u, err := user.Current(); err == nil {
		info.RunUser = u.Username
		if g, err := user.LookupGroupId(u.Gid); err == nil {
			info.RunGroup = g.Name
		}
	}
	return info
}
