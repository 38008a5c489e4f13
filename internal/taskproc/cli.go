package taskproc

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"pkt.systems/amid/internal/cli"
)

// pingTimeout bounds "core ping taskprocessor".
const pingTimeout = 5 * time.Second

// RegisterCommands adds the taskprocessor console commands to reg.
func (r *Registry) RegisterCommands(reg *cli.Registry) error {
	cmds := []*cli.Command{
		{
			Words:   []string{"core", "show", "taskprocessors"},
			Summary: "List instantiated task processors and statistics",
			Usage:   "Usage: core show taskprocessors\n\tShows a list of instantiated task processors and their statistics",
			Handler: r.cliShow,
		},
		{
			Words:   []string{"core", "ping", "taskprocessor"},
			Summary: "Ping a named task processor",
			Usage:   "Usage: core ping taskprocessor <taskprocessor>\n\tDisplays the time required for a task to be processed",
			Handler: r.cliPing,
		},
	}
	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) cliShow(_ context.Context, w io.Writer, _ []string) error {
	procs := r.List()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Processor\tProcessed\tIn Queue\tMax Depth")
	for _, p := range procs {
		st := p.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", p.name, st.Processed, st.Depth, st.MaxDepth)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d taskprocessors\n", len(procs))
	return nil
}

func (r *Registry) cliPing(ctx context.Context, w io.Writer, args []string) error {
	if len(args) != 1 {
		return cli.ErrShowUsage
	}
	p, err := r.Get(args[0], RefIfExists)
	if err != nil {
		fmt.Fprintf(w, "\nping failed: %s not found\n\n", args[0])
		return nil
	}
	defer r.Unref(p)
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	fmt.Fprintf(w, "\npinging %s ...", args[0])
	took, err := p.Ping(ctx)
	if err != nil {
		fmt.Fprintf(w, "\n%s: ping failed: %v\n\n", args[0], err)
		return nil
	}
	fmt.Fprintf(w, "\n\t%24s ping time: %.1d.%06d sec\n\n", args[0], int64(took/time.Second), int64(took%time.Second/time.Microsecond))
	return nil
}
