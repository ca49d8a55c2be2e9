package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/tracekit/tracectl/internal/cli"
	"github.com/tracekit/tracectl/internal/config"
)

var version = "dev"

func main() {
	// Load configuration from files/environment
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.DefaultClient()
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("tracectl"),
		kong.Description("Control client for the system tracing service: record, attach to and query tracing sessions"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Vars{"version": version},
	)

	globals := cli.NewGlobals(cfg, c.Verbose)
	err = ctx.Run(globals)
	os.Exit(cli.ExitCode(err))
}
