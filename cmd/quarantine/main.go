// Package main implements the quarantine CLI tool.
//
// The tool runs the engine's forensic scenarios against the in-process
// sanitizer heap and prints the sanitizer reports, the event log and the
// verdicts, so the classification rules can be inspected end to end.
//
// Usage:
//
//	quarantine scenario all                  # run every scenario
//	quarantine scenario --json 2             # run scenario 2, dump the log as JSON
//	quarantine --config q.toml scenario 3    # sanitizer/engine options from a file
//	quarantine dumpconfig                    # print the effective configuration
//	quarantine version --require v0.1.0      # check API compatibility
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/quarantine"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file with [engine] and [sanitizer] tables",
	}
	raceCheckFlag = &cli.BoolFlag{
		Name:  "race-check",
		Usage: "log assignments of quarantined memory to guarded pointers",
	}
	freeCheckFlag = &cli.BoolFlag{
		Name:  "free-check",
		Usage: "log quarantine entry and exit",
	}
	extractionWarningFlag = &cli.BoolFlag{
		Name:  "extraction-warning",
		Usage: "warn when a dangling address is extracted from a guarded pointer",
	}
	haltOnErrorFlag = &cli.BoolFlag{
		Name:  "halt-on-error",
		Usage: "abort on the first sanitizer report",
		Value: true,
	}
	detectLeaksFlag = &cli.BoolFlag{
		Name:  "detect-leaks",
		Usage: "release quarantined memory and run the leak check at exit",
		Value: true,
	}
	exitCodeFlag = &cli.IntFlag{
		Name:  "exitcode",
		Usage: "exit status used when the sanitizer aborts",
		Value: 1,
	}
	arenaSizeFlag = &cli.IntFlag{
		Name:  "arena-size",
		Usage: "sanitizer heap arena size in bytes",
		Value: quarantine.DefaultArenaSize,
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "lifecycle log level (debug, info, warn, error)",
		Value: "warn",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "write engine statistics and the event log as JSON to stdout",
	}
	requireFlag = &cli.StringFlag{
		Name:  "require",
		Usage: "fail unless the engine is compatible with this API version",
	}
)

var engineFlags = []cli.Flag{
	configFileFlag,
	raceCheckFlag,
	freeCheckFlag,
	extractionWarningFlag,
	haltOnErrorFlag,
	detectLeaksFlag,
	exitCodeFlag,
	arenaSizeFlag,
	verbosityFlag,
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "quarantine",
		Usage:   "dangling-pointer quarantine forensics",
		Version: quarantine.Version,
		Flags:   engineFlags,
		Commands: []*cli.Command{
			{
				Name:      "scenario",
				Usage:     "Run forensic scenarios (1-5 or all)",
				ArgsUsage: "<1-5|all>...",
				Flags:     []cli.Flag{jsonFlag},
				Action:    runScenarios,
			},
			{
				Name:   "dumpconfig",
				Usage:  "Print the effective configuration as TOML",
				Action: dumpConfig,
			},
			{
				Name:   "version",
				Usage:  "Show version information",
				Flags:  []cli.Flag{requireFlag},
				Action: printVersion,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the lifecycle logger at the --verbosity level.
func newLogger(ctx *cli.Context, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ctx.String(verbosityFlag.Name))); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func printVersion(ctx *cli.Context) error {
	info := quarantine.GetInfo()
	fmt.Fprintf(ctx.App.Writer, "quarantine version %s\n", info.Version)
	fmt.Fprintf(ctx.App.Writer, "sanitizer: %s\n", info.Sanitizer)
	fmt.Fprintf(ctx.App.Writer, "metadata shards: %d\n", info.ShardCount)

	if want := ctx.String(requireFlag.Name); want != "" && !quarantine.CompatibleWith(want) {
		return cli.Exit(fmt.Sprintf("engine %s is not compatible with %s", info.Version, want), 1)
	}
	return nil
}
