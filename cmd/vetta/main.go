// Command vetta runs the interview orchestration engine.
//
// Usage:
//
//	vetta serve --config configs/vetta.yaml
//	vetta migrate --config configs/vetta.yaml
//	vetta rehearse --config configs/vetta.yaml --level 3 --turns 8
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/vettaio/vetta/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the interview HTTP server."`
	Migrate  MigrateCmd  `cmd:"" help:"Create the analytics tables and exit."`
	Rehearse RehearseCmd `cmd:"" help:"Run a simulated interview against the engine."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"configs/vetta.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:""`
	Debug     bool   `help:"Shortcut for --log-level=debug."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("vetta version %s\n", version)
	return nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("vetta"),
		kong.Description("Structured interview orchestration engine."),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cleanup()
		os.Exit(1)
	}
}
