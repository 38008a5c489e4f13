// Package cli is the text command registry behind the console and the
// manager Command action. Commands are keyed by a fixed run of words; any
// words after the match are passed to the handler as arguments.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
)

var (
	// ErrShowUsage asks the caller to print the command usage.
	ErrShowUsage = errors.New("cli: show usage")
	// ErrNoSuchCommand is returned by Exec when nothing matches.
	ErrNoSuchCommand = errors.New("cli: no such command")
	// ErrDuplicate rejects a second registration of the same words.
	ErrDuplicate = errors.New("cli: command already registered")
	// ErrDenied is returned when a permission check refuses the command.
	ErrDenied = errors.New("cli: permission denied")
)

// Handler runs a command. args holds the words following the command words.
type Handler func(ctx context.Context, w io.Writer, args []string) error

// Command is one registered command.
type Command struct {
	Words   []string
	Summary string
	Usage   string
	Handler Handler
}

// Name is the space-joined command words.
func (c *Command) Name() string {
	return strings.Join(c.Words, " ")
}

// Registry holds commands. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	cmds []*Command
}

// NewRegistry returns a registry with the built-in help command.
func NewRegistry() *Registry {
	r := &Registry{}
	_ = r.Register(&Command{
		Words:   []string{"core", "show", "help"},
		Summary: "Display help list, or specific help on a command",
		Usage:   "Usage: core show help [topic]",
		Handler: r.help,
	})
	return r
}

// Register adds cmd.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || len(cmd.Words) == 0 || cmd.Handler == nil {
		return errors.New("cli: incomplete command")
	}
	words := make([]string, len(cmd.Words))
	for i, w := range cmd.Words {
		words[i] = strings.ToLower(w)
	}
	cmd.Words = words
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.cmds {
		if existing.Name() == cmd.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicate, cmd.Name())
		}
	}
	r.cmds = append(r.cmds, cmd)
	sort.Slice(r.cmds, func(i, j int) bool { return r.cmds[i].Name() < r.cmds[j].Name() })
	return nil
}

// Unregister removes the command with the given words.
func (r *Registry) Unregister(words ...string) bool {
	name := strings.ToLower(strings.Join(words, " "))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.cmds {
		if c.Name() == name {
			r.cmds = append(r.cmds[:i], r.cmds[i+1:]...)
			return true
		}
	}
	return false
}

// Commands returns the registered commands ordered by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Command(nil), r.cmds...)
}

// Find returns the command whose words are the longest prefix of args, and
// the remaining arguments.
func (r *Registry) Find(args []string) (*Command, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Command
	for _, c := range r.cmds {
		if len(c.Words) > len(args) {
			continue
		}
		match := true
		for i, w := range c.Words {
			if !strings.EqualFold(w, args[i]) {
				match = false
				break
			}
		}
		if match && (best == nil || len(c.Words) > len(best.Words)) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, args[len(best.Words):]
}

// Exec tokenizes line and runs the matching command, writing its output to w.
// A handler returning ErrShowUsage has the usage text written for it.
func (r *Registry) Exec(ctx context.Context, w io.Writer, line string) error {
	args := Tokenize(line)
	if len(args) == 0 {
		return nil
	}
	cmd, rest := r.Find(args)
	if cmd == nil {
		fmt.Fprintf(w, "No such command '%s' (type 'core show help %s' for other possible commands)\n", strings.Join(args, " "), args[0])
		return fmt.Errorf("%w: %s", ErrNoSuchCommand, strings.Join(args, " "))
	}
	err := cmd.Handler(ctx, w, rest)
	if errors.Is(err, ErrShowUsage) {
		fmt.Fprintln(w, cmd.Usage)
	}
	return err
}

func (r *Registry) help(_ context.Context, w io.Writer, args []string) error {
	if len(args) > 0 {
		if cmd, rest := r.Find(args); cmd != nil && len(rest) == 0 {
			fmt.Fprintln(w, cmd.Usage)
			return nil
		}
	}
	prefix := strings.ToLower(strings.Join(args, " "))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	found := 0
	for _, c := range r.Commands() {
		if prefix != "" && !strings.HasPrefix(c.Name(), prefix) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", c.Name(), c.Summary)
		found++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if found == 0 {
		fmt.Fprintf(w, "No such command '%s'.\n", prefix)
	}
	return nil
}

// Tokenize splits a command line on blanks. Double quotes group words and a
// backslash escapes the next character.
func Tokenize(line string) []string {
	var out []string
	var cur strings.Builder
	inQuote, escaped, have := false, false, false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
			have = true
		case r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
			have = true
		case (r == ' ' || r == '\t') && !inQuote:
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return out
}
