// Command odyssey runs deterministic Odyssey Mesh simulations and verifies
// their exports.
//
// Exit codes:
//
//	0 = success
//	1 = verification failed
//	2 = usage or runtime error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/config"
	"github.com/FoxhunterLabs/Odyssey-Mesh/pkg/observability"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func verificationFailed(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	env := config.Load()
	root := newRootCmd(env, stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{"run"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 2
	}
	return 0
}

func newRootCmd(env *config.Config, stdout, stderr io.Writer) *cobra.Command {
	var logFormat, logLevel string

	root := &cobra.Command{
		Use:           "odyssey",
		Short:         "Odyssey Mesh: deterministic distributed evidence simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := observability.NewLogger(stderr, logFormat, logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&logFormat, "log-format", env.LogFormat, "Log format: text or json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", env.LogLevel, "Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(env),
		newVerifyReplayCmd(),
		newVerifyAuditCmd(env),
		newVerifyEventsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "odyssey %s\n", Version)
			return err
		},
	}
}
