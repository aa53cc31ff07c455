// Package mfcli holds the shared urfave/cli application. Subcommands are
// registered from the root package's init so the binary and tests see the
// same command table.
package mfcli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "mail2feed"
	app.Usage = "turn IMAP mailboxes into RSS/Atom feeds"
	app.Description = `mail2feed polls IMAP accounts, matches incoming messages against
user-defined rules and publishes the matches as RSS or Atom feeds.

The server ('run') hosts the feeds and a JSON management API for
accounts, rules and feeds. 'process' runs a single polling pass and
exits, for cron-style setups.`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
	}
	app.EnableBashCompletion = true
}

// AddGlobalFlag registers a flag available to every subcommand.
func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

// AddSubcommand registers a subcommand. The run subcommand doubles as the
// default action so a bare './mail2feed' starts the server.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)

	if cmd.Name == "run" {
		app.Action = cmd.Action
		app.Flags = append(app.Flags, cmd.Flags...)
	}
}

// RunWithoutExit is like Run but reports the exit code instead of calling
// os.Exit. Used by tests.
func RunWithoutExit(args []string) int {
	code := 0
	cli.OsExiter = func(c int) { code = c }
	defer func() {
		cli.OsExiter = os.Exit
	}()
	if err := app.Run(args); err != nil {
		fmt.Fprintln(app.ErrWriter, err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func Run() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
