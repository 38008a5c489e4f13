package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"pkt.systems/amid/client"
	"pkt.systems/pslog"
)

const consolePrompt = "amid*CLI> "

type clientConfig struct {
	server   string
	username string
	secret   string
	md5      bool
	useTLS   bool
	insecure bool
	timeout  time.Duration
}

func addClientFlags(flags *pflag.FlagSet, cfg *clientConfig) {
	flags.StringVarP(&cfg.server, "server", "s", "127.0.0.1:5038", "AMI address to connect to")
	flags.StringVarP(&cfg.username, "username", "u", "", "manager.conf user (or AMID_USERNAME)")
	flags.StringVar(&cfg.secret, "secret", "", "user secret (or AMID_SECRET; prompted when unset)")
	flags.BoolVar(&cfg.md5, "md5", false, "authenticate with the MD5 challenge instead of a plain secret")
	flags.BoolVar(&cfg.useTLS, "tls", false, "connect with TLS")
	flags.BoolVar(&cfg.insecure, "insecure-skip-verify", false, "skip TLS certificate verification")
	flags.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "timeout for dialing and for each action")
}

// resolve fills username and secret from the environment, prompting for the
// secret when a terminal is available.
func (cfg *clientConfig) resolve() error {
	if cfg.username == "" {
		cfg.username = viper.GetString("username")
	}
	if cfg.secret == "" {
		cfg.secret = viper.GetString("secret")
	}
	if cfg.username == "" {
		return errors.New("--username is required")
	}
	if cfg.secret != "" {
		return nil
	}
	secret, err := readSecret(fmt.Sprintf("Secret for %s: ", cfg.username))
	if err != nil {
		return err
	}
	cfg.secret = secret
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for the secret prompt (use --secret or AMID_SECRET)")
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(string(secret), "\r\n"), nil
}

// connect dials and logs in. events sets the initial event mask.
func (cfg *clientConfig) connect(ctx context.Context, logger pslog.Logger, events string) (*client.Client, error) {
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithLogger(logger), client.WithDialTimeout(cfg.timeout)}
	if cfg.useTLS {
		opts = append(opts, client.WithTLSConfig(&tls.Config{InsecureSkipVerify: cfg.insecure, MinVersion: tls.VersionTLS12}))
	}
	c, err := client.Dial(ctx, cfg.server, opts...)
	if err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if cfg.md5 {
		err = c.LoginMD5(actx, cfg.username, cfg.secret)
		if err == nil {
			_, err = c.Action(actx, "Events", "EventMask", events)
		}
	} else {
		err = c.Login(actx, cfg.username, cfg.secret, events)
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("login as %s: %w", cfg.username, err)
	}
	logger.Debug("amid.client.connected", "server", cfg.server, "banner", c.Banner())
	return c, nil
}

func newClientCommand(logger pslog.Logger) *cobra.Command {
	var cfg clientConfig
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running manager over AMI",
	}
	addClientFlags(cmd.PersistentFlags(), &cfg)
	for _, name := range []string{"username", "secret"} {
		if err := viper.BindEnv(name); err != nil {
			panic(err)
		}
	}

	action := &cobra.Command{
		Use:   "action <Action> [Header=Value ...]",
		Short: "Send one action and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var headers []string
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("header %q is not Header=Value", kv)
				}
				headers = append(headers, k, v)
			}
			c, err := cfg.connect(cmd.Context(), logger, "off")
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
			defer cancel()
			resp, err := c.Action(ctx, args[0], headers...)
			var actionErr *client.ActionError
			if err != nil && !errors.As(err, &actionErr) {
				return err
			}
			printResponse(cmd.OutOrStdout(), resp)
			return err
		},
	}

	command := &cobra.Command{
		Use:   "command <console command>",
		Short: "Run a console command and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cfg.connect(cmd.Context(), logger, "off")
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
			defer cancel()
			out, err := c.Command(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}

	var count int
	var mask string
	events := &cobra.Command{
		Use:   "events",
		Short: "Stream events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cfg.connect(cmd.Context(), logger, mask)
			if err != nil {
				return err
			}
			defer c.Close()
			seen := 0
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-c.Events():
					if !ok {
						return c.Err()
					}
					fmt.Fprint(cmd.OutOrStdout(), ev.String())
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				}
			}
		},
	}
	events.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 streams forever)")
	events.Flags().StringVar(&mask, "mask", "on", "event mask (on, or a list such as call,system)")

	cmd.AddCommand(action, command, events)
	return cmd
}

func printResponse(w io.Writer, resp *client.Response) {
	if resp == nil {
		return
	}
	fmt.Fprint(w, resp.String())
	if resp.Output != "" {
		fmt.Fprint(w, resp.Output)
	}
	for _, ev := range resp.Events {
		fmt.Fprint(w, ev.String())
	}
}

func newConsoleCommand(logger pslog.Logger) *cobra.Command {
	var cfg clientConfig
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console over the Command action",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cfg.connect(cmd.Context(), logger, "off")
			if err != nil {
				return err
			}
			defer c.Close()
			run := func(line string) (string, error) {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
				defer cancel()
				return c.Command(ctx, line)
			}
			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				return interactiveConsole(fd, c.Banner(), run)
			}
			return scriptConsole(os.Stdin, cmd.OutOrStdout(), run)
		},
	}
	addClientFlags(cmd.Flags(), &cfg)
	return cmd
}

func isConsoleExit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit", "logoff":
		return true
	}
	return false
}

func interactiveConsole(fd int, banner string, run func(string) (string, error)) error {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer term.Restore(fd, state)
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, consolePrompt)
	fmt.Fprintf(t, "Connected to %s\r\n", banner)
	for {
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isConsoleExit(line) {
			return nil
		}
		out, err := run(line)
		if err != nil {
			fmt.Fprintf(t, "%v\r\n", err)
			if errors.Is(err, client.ErrClosed) {
				return err
			}
			continue
		}
		fmt.Fprint(t, strings.ReplaceAll(out, "\n", "\r\n"))
	}
}

func scriptConsole(r io.Reader, w io.Writer, run func(string) (string, error)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isConsoleExit(line) {
			return nil
		}
		out, err := run(line)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		if _, err := io.WriteString(w, out); err != nil {
			return err
		}
	}
	return sc.Err()
}
