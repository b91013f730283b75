package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/contract"
)

// Exit codes shared by every offline command.
const (
	exitOK      = 0
	exitFailed  = 1 // validation failures, denials, differences
	exitBadFile = 2 // unreadable files and parse errors
)

var (
	logLevel  string
	logFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")
	rootCmd.SetFlagErrorFunc(usageError)
}

var rootCmd = &cobra.Command{
	Use:   "callwarden",
	Short: "Governance for AI agent tool calls",
	Long: "Evaluates every tool call an agent makes against a declarative contract bundle:\n" +
		"preconditions before execution, session limits, postconditions after.\n" +
		"Every decision is written to a redacted audit log.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(config.NewLogger(cmd.ErrOrStderr(), logLevel, logFormat))
	},
}

// exitError carries a process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitWith returns an exitError; a nil err exits silently.
func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// loadError classifies a bundle or log loading error: a bundle that parses
// but fails validation exits 1, anything unreadable or unparseable exits 2.
func loadError(err error) error {
	var ve *contract.ValidationError
	if errors.As(err, &ve) {
		return exitWith(exitFailed, err)
	}
	return exitWith(exitBadFile, err)
}

// Execute runs the root command and exits with its code.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if strings.HasPrefix(err.Error(), "unknown command") {
		return exitBadFile
	}
	return exitFailed
}

// usageError marks bad flags and argument counts.
func usageError(cmd *cobra.Command, err error) error {
	return exitWith(exitBadFile, fmt.Errorf("%w\nRun '%s --help' for usage.", err, cmd.CommandPath()))
}

// exactArgs is cobra.ExactArgs with the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(cmd, err)
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs with the usage exit code.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError(cmd, err)
		}
		return nil
	}
}
