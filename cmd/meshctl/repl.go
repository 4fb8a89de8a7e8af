package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	shellquote "github.com/kballard/go-shellquote"
)

// shell is an interactive admin session, mirroring the teacher's
// readline-driven command loop: one line in, shellquote-split into
// arguments, dispatched, reply written back through the readline
// instance's own writer.
type shell struct {
	session *Session
	rl      *readline.Instance
}

var shellCommands = readline.NewPrefixCompleter(
	readline.PcItem("create-circuit"),
	readline.PcItem("add-service"),
	readline.PcItem("remove-service"),
	readline.PcItem("remove-circuit"),
	readline.PcItem("raw"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func newShell(session *Session) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       promptFor(session),
		AutoComplete: shellCommands,
	})
	if err != nil {
		return nil, fmt.Errorf("meshctl: starting readline: %w", err)
	}
	return &shell{session: session, rl: rl}, nil
}

func promptFor(s *Session) string {
	return fmt.Sprintf("\033[32mmeshctl %s >\033[0m ", s.NodeIdentity()[:8])
}

// Run reads commands until EOF or Ctrl-D, one shellquote-split line per
// SendCommand round trip.
func (s *shell) Run(ctx context.Context) error {
	defer s.rl.Close()
	for {
		line, err := s.rl.Readline()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("meshctl: reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		args, err := shellquote.Split(line)
		if err != nil {
			writeErr(s.rl.Stderr(), fmt.Errorf("parsing arguments: %w", err))
			continue
		}

		if args[0] == "exit" {
			return nil
		}
		if args[0] == "help" {
			fmt.Fprintln(s.rl.Stdout(), helpText)
			continue
		}

		cmd, err := buildAdminCommand(args)
		if err != nil {
			writeErr(s.rl.Stderr(), err)
			continue
		}

		reply, err := s.session.SendCommand(ctx, cmd)
		if err != nil {
			writeErr(s.rl.Stderr(), err)
			continue
		}
		fmt.Fprintln(s.rl.Stdout(), reply)
	}
}

const helpText = `commands:
  create-circuit <circuit_id> <members> <roster>   members and roster are comma-separated
  add-service <circuit_id> <service_id>
  remove-service <circuit_id> <service_id>
  remove-circuit <circuit_id>
  raw <admin command text>                         sent verbatim, for anything not above
  exit`

// buildAdminCommand translates a parsed shell line into the admin
// service's text protocol (pkg/admin.Service.apply).
func buildAdminCommand(args []string) (string, error) {
	if args[0] == "raw" {
		if len(args) < 2 {
			return "", errors.New("usage: raw <admin command text>")
		}
		return strings.Join(args[1:], " "), nil
	}

	switch strings.ToLower(args[0]) {
	case "create-circuit":
		if len(args) != 4 {
			return "", errors.New("usage: create-circuit <circuit_id> <members> <roster>")
		}
		return fmt.Sprintf("CREATE_CIRCUIT %s %s %s", args[1], args[2], args[3]), nil
	case "add-service":
		if len(args) != 3 {
			return "", errors.New("usage: add-service <circuit_id> <service_id>")
		}
		return fmt.Sprintf("ADD_SERVICE %s %s", args[1], args[2]), nil
	case "remove-service":
		if len(args) != 3 {
			return "", errors.New("usage: remove-service <circuit_id> <service_id>")
		}
		return fmt.Sprintf("REMOVE_SERVICE %s %s", args[1], args[2]), nil
	case "remove-circuit":
		if len(args) != 2 {
			return "", errors.New("usage: remove-circuit <circuit_id>")
		}
		return fmt.Sprintf("REMOVE_CIRCUIT %s", args[1]), nil
	default:
		return "", fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
}

func writeErr(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", err)
}
