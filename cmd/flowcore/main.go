// Command flowcore runs the workflow engine: workers that claim and
// execute pending executions, the cron scheduler, the webhook listener
// and maintenance utilities.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/flowcore/
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "flowcore",
		Short:         "Workflow and process execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newWorkerCmd(),
		newSchedulerCmd(),
		newMigrateCmd(),
		newTestCmd(),
		newGraphCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code, ok := err.(exitCoder); ok {
			os.Exit(code.ExitCode())
		}
		os.Exit(1)
	}
}

// exitCoder lets a command pick its process exit code.
type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
