// Command partmon runs the partitioning monitor on the simulated SoC and
// inspects guest memory dumps offline.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/partmon/internal/config"
	"github.com/tinyrange/partmon/internal/console"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, `partmon - ARM64 EL2 partitioning monitor

USAGE:
  partmon <command> [flags] [args]

COMMANDS:
  boot   Boot the monitor on the simulated SoC and start every core
  scan   Identify (and optionally patch) the guest kernel in a memory dump
  regs   List the debug registers passed through to the guest
  trace  Print a trap trace recorded by 'boot -trace'

Run 'partmon <command> -h' for command flags.
`)
}

// loadConfig returns the configuration at path, or the defaults when path is
// empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger returns a logger on w, colored when w is a terminal.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	c := console.New(w, nil, console.IsTerminal(w))
	return slog.New(console.NewHandler(c, &console.HandlerOptions{Level: level}))
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		usage(stderr)
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "boot":
		return runBoot(args[1:], stdout, stderr)
	case "scan":
		return runScan(args[1:], stdout, stderr)
	case "regs":
		return runRegs(args[1:], stdout)
	case "trace":
		return runTrace(args[1:], stdout, stderr)
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("partmon "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "partmon: %v\n", err)
		os.Exit(1)
	}
}
