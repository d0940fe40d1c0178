// Package cli wraps the three rch-xcode binaries' cobra root commands
// with the same shared bootstrap every one of them needs: a `version`
// subcommand and global log-level flags wired through logging.Configure.
// Adapted from mantle/cli.go's Execute/WrapPreRun shape (DESIGN.md
// "cmd/rch-keygen, cmd/rch-worker, cmd/rch-host"), but self-contained —
// no dependency on the teacher's own module path or its version stamp.
package cli

import (
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/paulrobinshaw/rch-xcode/logging"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number and exit.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("%s version %s\n", cmd.Root().Name(), Version)
	},
}

var (
	logDebug   bool
	logVerbose bool
	logLevel   = capnslog.NOTICE
)

// Execute adds the shared version subcommand and log-level flags to
// main, wires a PersistentPreRunE that configures logging before any
// subcommand body runs, executes main, and exits the process with a
// status reflecting the result.
func Execute(main *cobra.Command) {
	main.AddCommand(versionCmd)

	main.PersistentFlags().Var(&logLevel, "log-level", "Set global log level.")
	main.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false, "Alias for --log-level=INFO")
	main.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false, "Alias for --log-level=DEBUG")

	wrapPreRun(main)

	if err := main.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func startLogging(cmd *cobra.Command) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}
	logging.Configure(logLevel, cmd.OutOrStderr())
}

// wrapPreRun installs startLogging as root's PersistentPreRunE,
// chaining to whatever PersistentPreRun/PersistentPreRunE was already
// set — cobra only runs the closest ancestor's PreRun, so a subcommand
// that sets its own would otherwise silently drop this one
// (spf13/cobra#253).
func wrapPreRun(root *cobra.Command) {
	preRun, preRunE := root.PersistentPreRun, root.PersistentPreRunE
	root.PersistentPreRun, root.PersistentPreRunE = nil, nil

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		startLogging(cmd)
		switch {
		case preRun != nil:
			preRun(cmd, args)
		case preRunE != nil:
			return preRunE(cmd, args)
		}
		return nil
	}
}
