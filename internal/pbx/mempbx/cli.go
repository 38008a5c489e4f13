package mempbx

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/amid/internal/cli"
)

// RegisterCommands adds the channel, module and core status commands to reg.
func (p *PBX) RegisterCommands(reg *cli.Registry) error {
	cmds := []*cli.Command{
		{
			Words:   []string{"core", "show", "channels"},
			Summary: "Display information on channels",
			Usage:   "Usage: core show channels [concise]\n\tLists currently defined channels and some information about them.",
			Handler: p.cliChannels,
		},
		{
			Words:   []string{"core", "show", "version"},
			Summary: "Display version info",
			Usage:   "Usage: core show version\n\tShows version information.",
			Handler: p.cliVersion,
		},
		{
			Words:   []string{"core", "show", "uptime"},
			Summary: "Show uptime information",
			Usage:   "Usage: core show uptime\n\tShows system uptime and time since last reload.",
			Handler: p.cliUptime,
		},
		{
			Words:   []string{"module", "show"},
			Summary: "List modules and info",
			Usage:   "Usage: module show [like <keyword>]\n\tShows loaded modules, optionally those matching keyword.",
			Handler: p.cliModules,
		},
		{
			Words:   []string{"module", "reload"},
			Summary: "Reload configuration for a module",
			Usage:   "Usage: module reload [module]\n\tReloads one module, or every module when none is named.",
			Handler: p.cliReload,
		},
	}
	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *PBX) cliChannels(_ context.Context, w io.Writer, args []string) error {
	concise := false
	switch {
	case len(args) == 0:
	case len(args) == 1 && strings.EqualFold(args[0], "concise"):
		concise = true
	default:
		return cli.ErrShowUsage
	}
	now := p.clock.Now()
	chans := p.ListChannels()
	if concise {
		for _, c := range chans {
			fmt.Fprintf(w, "%s!%s!%s!%d!%s!%s!%s!%s!%s!%d!%s\n",
				c.Name, c.Context, c.Exten, c.Priority, c.State, c.Application, c.Data,
				c.CallerIDNum, c.AccountCode, int64(c.Duration(now)/time.Second), c.BridgedTo)
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Channel\tLocation\tState\tApplication(Data)\tAge")
	for _, c := range chans {
		fmt.Fprintf(tw, "%s\t%s@%s:%d\t%s\t%s(%s)\t%s\n",
			c.Name, c.Exten, c.Context, c.Priority, c.State, c.Application, c.Data,
			humanize.RelTime(c.Created, now, "", ""))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	calls := "active calls"
	if len(chans) == 1 {
		calls = "active call"
	}
	fmt.Fprintf(w, "%d %s\n", len(chans), calls)
	return nil
}

func (p *PBX) cliVersion(_ context.Context, w io.Writer, args []string) error {
	if len(args) != 0 {
		return cli.ErrShowUsage
	}
	info := p.Info()
	fmt.Fprintf(w, "amid %s running on %s\n", orUnknown(info.Version), orUnknown(info.SystemName))
	return nil
}

func (p *PBX) cliUptime(_ context.Context, w io.Writer, args []string) error {
	if len(args) != 0 {
		return cli.ErrShowUsage
	}
	info := p.Info()
	now := p.clock.Now()
	fmt.Fprintf(w, "System uptime: %s\n", now.Sub(info.StartTime).Truncate(time.Second))
	fmt.Fprintf(w, "Last reload: %s\n", now.Sub(info.LastReload).Truncate(time.Second))
	return nil
}

func (p *PBX) cliModules(_ context.Context, w io.Writer, args []string) error {
	var like string
	switch {
	case len(args) == 0:
	case len(args) == 2 && strings.EqualFold(args[0], "like"):
		like = strings.ToLower(args[1])
	default:
		return cli.ErrShowUsage
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Module\tDescription\tUse Count\tStatus\tVersion")
	n := 0
	for _, m := range p.ListModules() {
		if like != "" && !strings.Contains(strings.ToLower(m.Name), like) {
			continue
		}
		status := "Not Running"
		if m.Loaded {
			status = "Running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", m.Name, m.Description, m.UseCount, status, m.Version)
		n++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d modules loaded\n", n)
	return nil
}

func (p *PBX) cliReload(ctx context.Context, w io.Writer, args []string) error {
	if len(args) > 1 {
		return cli.ErrShowUsage
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	if err := p.ReloadModule(ctx, name); err != nil {
		fmt.Fprintf(w, "Reload failed: %v\n", err)
		return nil
	}
	if name == "" {
		fmt.Fprintln(w, "All modules reloaded")
	} else {
		fmt.Fprintf(w, "Module '%s' reloaded successfully.\n", name)
	}
	return nil
}
