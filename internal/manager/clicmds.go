package manager

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"pkt.systems/amid/internal/cli"
)

// RegisterCommands adds the manager console commands to reg.
func (m *Manager) RegisterCommands(reg *cli.Registry) error {
	cmds := []*cli.Command{
		{Words: []string{"manager", "show", "commands"}, Summary: "Show manager commands",
			Usage: "Usage: manager show commands\n\tPrints a listing of all the available manager actions.", Handler: m.cliShowCommands},
		{Words: []string{"manager", "show", "command"}, Summary: "Show a manager interface command",
			Usage: "Usage: manager show command <actionname> [<actionname> ...]\n\tShows the detailed description for a specific manager action.", Handler: m.cliShowCommand},
		{Words: []string{"manager", "show", "users"}, Summary: "List configured manager users",
			Usage: "Usage: manager show users\n\tPrints a listing of all managers that are currently configured on that system.", Handler: m.cliShowUsers},
		{Words: []string{"manager", "show", "user"}, Summary: "Display information on a specific manager user",
			Usage: "Usage: manager show user <user>\n\tDisplay all information related to the manager user specified.", Handler: m.cliShowUser},
		{Words: []string{"manager", "show", "connected"}, Summary: "List connected manager interface users",
			Usage: "Usage: manager show connected\n\tPrints a listing of the users that are currently connected to the manager interface.", Handler: m.cliShowConnected},
		{Words: []string{"manager", "show", "eventq"}, Summary: "List manager interface queued events",
			Usage: "Usage: manager show eventq\n\tPrints a listing of all events pending in the manager event queue.", Handler: m.cliShowEventq},
		{Words: []string{"manager", "show", "settings"}, Summary: "Show manager global settings",
			Usage: "Usage: manager show settings\n\tProvides detailed list of the configuration of the manager.", Handler: m.cliShowSettings},
		{Words: []string{"manager", "set", "debug"}, Summary: "Show, enable, disable debugging of the manager code",
			Usage: "Usage: manager set debug [on|off]\n\tShow, enable, disable debugging of the manager code.", Handler: m.cliSetDebug},
		{Words: []string{"manager", "reload"}, Summary: "Reload manager configurations",
			Usage: "Usage: manager reload\n\tReloads the manager configuration.", Handler: m.cliReload},
	}
	for _, c := range cmds {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) cliShowCommands(_ context.Context, w io.Writer, _ []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Action\tPrivilege\tSynopsis")
	fmt.Fprintln(tw, "------\t---------\t--------")
	for _, a := range m.Actions() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.Privilege().String(), a.Synopsis)
	}
	return tw.Flush()
}

func (m *Manager) cliShowCommand(_ context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		return cli.ErrShowUsage
	}
	for _, name := range args {
		a, ok := m.actions.find(name)
		if !ok {
			fmt.Fprintf(w, "No such action '%s'\n", name)
			continue
		}
		fmt.Fprintf(w, "Action: %s\nSynopsis: %s\nPrivilege: %s\n", a.Name, a.Synopsis, a.Privilege().String())
		if a.Description != "" {
			fmt.Fprintf(w, "Description: %s\n", a.Description)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (m *Manager) cliShowUsers(_ context.Context, w io.Writer, _ []string) error {
	users := m.users.list()
	if len(users) == 0 {
		fmt.Fprintln(w, "There are no manager users.")
		return nil
	}
	fmt.Fprintln(w, "\nusername\n--------")
	for _, u := range users {
		fmt.Fprintln(w, u.Name)
	}
	fmt.Fprintf(w, "-------------------\n%d manager users configured.\n", len(users))
	return nil
}

func (m *Manager) cliShowUser(_ context.Context, w io.Writer, args []string) error {
	if len(args) != 1 {
		return cli.ErrShowUsage
	}
	u, ok := m.users.get(args[0])
	if !ok {
		fmt.Fprintf(w, "There is no manager called %s\n", args[0])
		return nil
	}
	acl := "no"
	if u.ACL.Len() > 0 {
		rules := make([]string, 0, u.ACL.Len())
		for _, r := range u.ACL.Rules() {
			rules = append(rules, r.String())
		}
		acl = strings.Join(rules, " ")
	}
	secret := "<Not set>"
	if u.Secret != "" {
		secret = "<Set>"
	}
	fmt.Fprintf(w, "\n       username: %s\n", u.Name)
	fmt.Fprintf(w, "         secret: %s\n", secret)
	fmt.Fprintf(w, "            acl: %s\n", acl)
	fmt.Fprintf(w, "      read perm: %s\n", u.Read.String())
	fmt.Fprintf(w, "     write perm: %s\n", u.Write.String())
	fmt.Fprintf(w, "  write timeout: %s\n", u.WriteTimeout)
	fmt.Fprintf(w, "displayconnects: %s\n", yesNo(u.DisplayConnects))
	return nil
}

func (m *Manager) cliShowConnected(_ context.Context, w io.Writer, _ []string) error {
	sessions := m.Sessions()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Username\tIP Address\tTransport\tStart\tElapsed\tState\tReadPerms\tWritePerms")
	n := 0
	for _, s := range sessions {
		if s.Transport == TransportHook {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			orNone(s.Username), s.Remote, s.Transport,
			s.Created.Format("2006-01-02 15:04:05"),
			humanize.RelTime(s.Created, m.clock.Now(), "", ""),
			s.State, s.ReadMask.String(), s.WriteMask.String())
		n++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s users connected.\n", humanize.Comma(int64(n)))
	return nil
}

func (m *Manager) cliShowEventq(_ context.Context, w io.Writer, _ []string) error {
	records := m.events.Snapshot()
	size := 0
	for _, r := range records {
		fmt.Fprintf(w, "Usecount: %d\nCategory: %s\nEvent:\n%s", r.UseCount(), r.Category.String(), r.Payload())
		size += len(r.Payload())
	}
	fmt.Fprintf(w, "%s records, %s queued.\n", humanize.Comma(int64(len(records))), humanize.IBytes(uint64(size)))
	return nil
}

func (m *Manager) cliShowSettings(_ context.Context, w io.Writer, _ []string) error {
	s := m.Settings()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGlobal Settings:\n----------------")
	fmt.Fprintf(tw, "Manager (AMI):\t%s\n", yesNo(s.Enabled))
	fmt.Fprintf(tw, "Web Manager (AMI/HTTP):\t%s\n", yesNo(s.WebEnabled))
	fmt.Fprintf(tw, "TCP Bindaddress:\t%s:%d\n", s.BindAddr, s.Port)
	fmt.Fprintf(tw, "HTTP Timeout (seconds):\t%d\n", int(s.HTTPTimeout.Seconds()))
	fmt.Fprintf(tw, "TLS Enable:\t%s\n", yesNo(s.TLSEnabled))
	fmt.Fprintf(tw, "TLS Bindaddress:\t%s:%d\n", s.TLSBindAddr, s.TLSPort)
	fmt.Fprintf(tw, "TLS Certfile:\t%s\n", s.TLSCert)
	fmt.Fprintf(tw, "TLS Privatekey:\t%s\n", s.TLSKey)
	fmt.Fprintf(tw, "TLS Cipher:\t%s\n", s.TLSCipher)
	fmt.Fprintf(tw, "Allow multiple login:\t%s\n", yesNo(s.AllowMultipleLogin))
	fmt.Fprintf(tw, "Display connects:\t%s\n", yesNo(s.DisplayConnects))
	fmt.Fprintf(tw, "Timestamp events:\t%s\n", yesNo(s.TimestampEvents))
	fmt.Fprintf(tw, "Block sockets:\t%s\n", yesNo(s.BlockSockets))
	fmt.Fprintf(tw, "Debug:\t%s\n", yesNo(s.Debug))
	fmt.Fprintf(tw, "Originate local port:\t%d\n", s.OriginateLocalPort)
	fmt.Fprintf(tw, "Generation:\t%d\n", s.Generation)
	return tw.Flush()
}

func (m *Manager) cliSetDebug(_ context.Context, w io.Writer, args []string) error {
	switch {
	case len(args) == 0:
		fmt.Fprintf(w, "manager debug is %s\n", onOff(m.Settings().Debug))
	case strings.EqualFold(args[0], "on"):
		m.SetDebug(true)
		fmt.Fprintln(w, "manager debug is on")
	case strings.EqualFold(args[0], "off"):
		m.SetDebug(false)
		fmt.Fprintln(w, "manager debug is off")
	default:
		return cli.ErrShowUsage
	}
	return nil
}

func (m *Manager) cliReload(ctx context.Context, w io.Writer, args []string) error {
	if len(args) > 0 {
		return cli.ErrShowUsage
	}
	if err := m.Reload(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Manager configuration reloaded (generation %d).\n", m.Settings().Generation)
	return nil
}

func orNone(v string) string {
	if v == "" {
		return "<none>"
	}
	return v
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
