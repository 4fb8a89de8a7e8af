package main

import (
	"context"
	"fmt"
	"os"

	"github.com/arkmesh/meshd/pkg/auth/signedauth"
	"github.com/urfave/cli/v2"
)

var (
	endpointFlag = &cli.StringFlag{
		Name:     "endpoint",
		Aliases:  []string{"e"},
		Usage:    "admin service endpoint to dial, e.g. tcp://127.0.0.1:4000",
		Required: true,
	}
	trustFlag = &cli.StringFlag{
		Name:  "trust",
		Usage: "node identity (base58 ed25519 public key) to trust during the handshake",
	}
	identityKeyFlag = &cli.StringFlag{
		Name:  "identity-key-file",
		Usage: "path to this client's ed25519 private key, generated on first use if missing",
	}
)

func main() {
	app := &cli.App{
		Name:  "meshctl",
		Usage: "administer a mesh node's circuits and service roster",
		Flags: []cli.Flag{endpointFlag, trustFlag, identityKeyFlag},
		Commands: []*cli.Command{
			shellCommand,
			oneShotCommand("create-circuit", "CREATE_CIRCUIT <circuit_id> <members> <roster>", 3),
			oneShotCommand("add-service", "ADD_SERVICE <circuit_id> <service_id>", 2),
			oneShotCommand("remove-service", "REMOVE_SERVICE <circuit_id> <service_id>", 2),
			oneShotCommand("remove-circuit", "REMOVE_CIRCUIT <circuit_id>", 1),
			rawCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadClientIdentity(ctx *cli.Context) (*signedauth.KeyPair, error) {
	path := ctx.String("identity-key-file")
	if path == "" {
		return signedauth.Generate()
	}
	return signedauth.LoadOrGenerate(path)
}

func dialFromContext(ctx *cli.Context) (*Session, error) {
	identity, err := loadClientIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("meshctl: loading client identity: %w", err)
	}
	client, err := NewClient(ctx.String("endpoint"), identity, ctx.String("trust"))
	if err != nil {
		return nil, err
	}
	return client.Dial(context.Background())
}

var shellCommand = &cli.Command{
	Name:  "shell",
	Usage: "open an interactive admin session",
	Action: func(ctx *cli.Context) error {
		session, err := dialFromContext(ctx)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer session.Close()

		sh, err := newShell(session)
		if err != nil {
			return cli.Exit(err, 1)
		}
		if err := sh.Run(context.Background()); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

// oneShotCommand builds a non-interactive subcommand that dials, sends
// exactly one admin command built from its positional arguments, prints
// the reply, and exits.
func oneShotCommand(name, usageText string, wantArgs int) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usageText,
		UsageText: name + " " + usageText,
		Action: func(ctx *cli.Context) error {
			args := ctx.Args().Slice()
			if len(args) != wantArgs {
				return cli.Exit(fmt.Errorf("meshctl: usage: %s", usageText), 1)
			}
			shellArgs := append([]string{name}, args...)
			cmd, err := buildAdminCommand(shellArgs)
			if err != nil {
				return cli.Exit(err, 1)
			}
			return runOneShot(ctx, cmd)
		},
	}
}

var rawCommand = &cli.Command{
	Name:      "raw",
	Usage:     "send an admin command verbatim",
	UsageText: "raw <admin command text>",
	Action: func(ctx *cli.Context) error {
		args := ctx.Args().Slice()
		if len(args) == 0 {
			return cli.Exit(fmt.Errorf("meshctl: usage: raw <admin command text>"), 1)
		}
		return runOneShot(ctx, joinArgs(args))
	},
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func runOneShot(ctx *cli.Context, cmd string) error {
	session, err := dialFromContext(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer session.Close()

	reply, err := session.SendCommand(context.Background(), cmd)
	if err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Fprintln(ctx.App.Writer, reply)
	return nil
}
