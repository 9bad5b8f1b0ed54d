package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/putload/internal/target"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr string
		cfg  target.Config
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local ingestion endpoint to load test against",
		Long: `Serve PUT /snowpipe/insert and GET /snowpipe/hello locally. Inserts are
parsed and counted but not stored. Use --latency and --error-rate to simulate
a slow or failing service.

Example:
  putload serve --addr :8080 --latency 20ms --error-rate 0.01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := cfg.Validate(); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return target.Serve(ctx, ln, target.NewHandler(cfg, logger), logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", target.DefaultAddr, "Listen address")
	cmd.Flags().DurationVar(&cfg.Latency, "latency", 0, "Delay added to every insert")
	cmd.Flags().Float64Var(&cfg.ErrorRate, "error-rate", 0, "Fraction of inserts answered with 500")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "Seed for error injection (default: current time)")

	return cmd
}
