package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pbcex/adminguard/cli"
)

// Version is provided at compile time
var Version = "dev"

func main() {
	app := kingpin.New("adminguard", "Authorization and dual-approval engine for admin operations")
	app.Version(Version)

	a := cli.ConfigureGlobals(app)
	cli.ConfigureServeCommand(app, a)

	// Approval lifecycle commands
	cli.ConfigureApprovalsCommand(app, a)

	// Policy commands
	cli.ConfigureEvaluateCommand(app, a)
	cli.ConfigureRulesCommand(app, a)

	// Config commands
	cli.ConfigureConfigCommand(app, a)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
