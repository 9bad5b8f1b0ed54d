// Package cli implements the putload command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/putload/internal/logging"
)

var version = "0.1.0"

// ErrThresholdsFailed is returned by run when a configured threshold failed.
// The summary has already been printed, so Execute does not repeat it.
var ErrThresholdsFailed = errors.New("one or more thresholds failed")

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel  string
	logFormat string
}

func (g *globalFlags) logger(cmd *cobra.Command) (*zap.Logger, error) {
	return logging.NewWithWriter(g.logLevel, g.logFormat, cmd.ErrOrStderr())
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:     "putload",
		Short:   "A load generator for HTTP PUT ingestion endpoints",
		Version: version,
		Long: `putload replays a fixture of JSON payloads against an ingestion endpoint
with a population of concurrent virtual users, then reports latency, throughput
and failures broken down by status class and error kind.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", logging.FormatConsole, "Log format: console or json")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newGenerateCmd(g))
	cmd.AddCommand(newServeCmd(g))

	return cmd
}

// Execute runs the command line against os.Args.
func Execute() error {
	return ExecuteContext(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteContext runs the command line with explicit arguments and streams.
// Errors other than ErrThresholdsFailed are printed to stderr.
func ExecuteContext(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, ErrThresholdsFailed) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return err
}
