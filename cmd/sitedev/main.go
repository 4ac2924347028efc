// Command sitedev runs a local development supervisor: it drives a
// static-site build command, rebuilds on every accepted change, serves its
// output, and points a browser at the served site once.
//
// Grounded on cli/internal/cmd/root.go's RunWithArgs shape: build a cobra
// command, execute it, and translate whatever comes back into a process
// exit code.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/molybdenumsoftware/sitedev/internal/exitstatus"
	"github.com/molybdenumsoftware/sitedev/internal/handshake"
	"github.com/molybdenumsoftware/sitedev/internal/logger"
	"github.com/molybdenumsoftware/sitedev/internal/supervisor"
)

// readyPrefix mirrors cli/internal/logger/logger.go's reverse-video status
// prefixes, narrowed to the one status this command ever reports on stderr.
var readyPrefix = color.New(color.Bold, color.FgGreen, color.ReverseVideo).Sprint(" READY ")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cwd string

	cmd := &cobra.Command{
		Use:           "sitedev <build_command>",
		Short:         "Supervise a static-site build, serve its output, and drive a browser",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := cwd
			if origin == "" {
				wd, err := os.Getwd()
				if err != nil {
					return exitstatus.Wrap(exitstatus.StartupFatal, err)
				}
				origin = wd
			}

			return supervisor.Run(supervisor.Config{
				BuildCommand: args[0],
				Origin:       origin,
				TestingMode:  os.Getenv(handshake.EnvTestingMode) != "",
				Logger:       logger.New(nil),
				Stdout:       os.Stdout,
				OnReady: func(port int) {
					fmt.Fprintf(os.Stderr, "%s%s\n", readyPrefix, color.GreenString(" serving http://127.0.0.1:%d/", port))
				},
			})
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "directory to locate the project from (defaults to the current directory)")

	if err := cmd.Execute(); err != nil {
		var exitErr *exitstatus.Error
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, color.RedString("%s", exitErr.Error()))
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, color.RedString("%s", err.Error()))
		return exitstatus.StartupFatal
	}
	return 0
}
