package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/putload/internal/performance"
	"github.com/wesleyorama2/putload/internal/performance/config"
	"github.com/wesleyorama2/putload/internal/performance/corpus"
	"github.com/wesleyorama2/putload/internal/performance/metrics"
	"github.com/wesleyorama2/putload/internal/performance/output"
	"github.com/wesleyorama2/putload/internal/performance/runner"
	"github.com/wesleyorama2/putload/pkg/jsonschema"
)

// progressInterval is how often live progress is redrawn.
const progressInterval = time.Second

// runFlags holds the raw flag values of the run command. Only flags the user
// set explicitly override the config file.
type runFlags struct {
	configFile string
	name       string

	host string
	path string

	fixture       string
	payloadFormat string
	policy        string
	seed          int64
	validate      bool
	schema        string

	vus          int
	rampUpRate   float64
	rampDownRate float64
	duration     string
	iterations   int
	gracefulStop string

	timeout             string
	maxIdleConnsPerHost int
	noConnectionReuse   bool
	checkTarget         bool

	metricsAddr string
	output      string
	quiet       bool
	noColor     bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against the target endpoint",
		Long: `Send every payload of the fixture as an HTTP PUT to the target, from a
population of virtual users that ramps up, holds, and ramps down.

Flags override values from --config. The fixture defaults to $FIXTURE_PATH.

Examples:
  putload run --fixture rows.jsonl --vus 20 --ramp-up-rate 5 --duration 2m
  putload run --fixture rows.jsonl.zst --iterations 1 --output report.json
  putload run --config load.yaml --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := buildRunConfig(cmd, f)
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg, f.noColor, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configFile, "config", "c", "", "Run configuration file (YAML or JSON)")
	flags.StringVar(&f.name, "name", "", "Name of the run, used in reports")

	flags.StringVar(&f.host, "host", config.DefaultHost, "Target scheme and host")
	flags.StringVar(&f.path, "path", config.DefaultPath, "Target path")

	flags.StringVarP(&f.fixture, "fixture", "f", "", "Payload file, .gz and .zst are decompressed (default $"+config.FixtureEnv+")")
	flags.StringVar(&f.payloadFormat, "payload-format", string(corpus.FormatLineDelimited), "Fixture format: line-delimited (one body per line, blank lines skipped) or json-array")
	flags.StringVar(&f.policy, "policy", string(corpus.PolicySequential), "Payload selection: sequential or random")
	flags.Int64Var(&f.seed, "seed", 0, "Seed for the random policy")
	flags.BoolVar(&f.validate, "validate-payloads", false, "Check every payload is valid JSON before starting")
	flags.StringVar(&f.schema, "payload-schema", "", "JSON Schema file every payload must satisfy")

	flags.IntVarP(&f.vus, "vus", "u", 1, "Number of virtual users")
	flags.Float64Var(&f.rampUpRate, "ramp-up-rate", 0, "Users started per second, 0 starts all at once")
	flags.Float64Var(&f.rampDownRate, "ramp-down-rate", 0, "Users stopped per second, 0 stops all at once")
	flags.StringVarP(&f.duration, "duration", "d", "", "Run duration including ramp-up (default 30s when --iterations is 0)")
	flags.IntVarP(&f.iterations, "iterations", "i", 0, "Passes over the fixture per user, 0 for unbounded")
	flags.StringVar(&f.gracefulStop, "graceful-stop", config.DefaultGracefulStop.String(), "Time stopped users get to finish in-flight requests (0 waits until they finish)")

	flags.StringVar(&f.timeout, "timeout", config.DefaultTimeout.String(), "Per-request timeout")
	flags.IntVar(&f.maxIdleConnsPerHost, "max-idle-conns-per-host", config.DefaultMaxIdleConnsPerHost, "Idle connections kept per host")
	flags.BoolVar(&f.noConnectionReuse, "no-connection-reuse", false, "Give each user its own client without keep-alives")
	flags.BoolVar(&f.checkTarget, "check-target", false, "Fail before starting if the target does not answer")

	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.StringVarP(&f.output, "output", "o", "", "Write the result to a file (.json or .html, optionally .gz)")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Only print PASSED or FAILED")
	flags.BoolVar(&f.noColor, "no-color", false, "Disable colored output")

	return cmd
}

// buildRunConfig merges the config file, explicit flags and defaults, then
// validates the result.
func buildRunConfig(cmd *cobra.Command, f *runFlags) (*config.RunConfig, error) {
	cfg := &config.RunConfig{}
	if f.configFile != "" {
		loaded, err := config.LoadConfig(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	changed := flags.Changed

	if changed("name") {
		cfg.Name = f.name
	}
	if changed("host") {
		cfg.Target.Host = f.host
	}
	if changed("path") {
		cfg.Target.Path = f.path
	}
	if changed("fixture") {
		cfg.Payload.Fixture = f.fixture
	}
	if changed("payload-format") {
		cfg.Payload.Format = f.payloadFormat
	}
	if changed("policy") {
		cfg.Payload.Policy = f.policy
	}
	if changed("seed") {
		cfg.Payload.Seed = f.seed
	}
	if changed("validate-payloads") {
		cfg.Payload.Validate = f.validate
	}
	if changed("payload-schema") {
		cfg.Payload.Schema = f.schema
	}
	if changed("vus") {
		cfg.Scenario.VUs = f.vus
	}
	if changed("ramp-up-rate") {
		cfg.Scenario.RampUpRate = f.rampUpRate
	}
	if changed("ramp-down-rate") {
		cfg.Scenario.RampDownRate = f.rampDownRate
	}
	if changed("iterations") {
		cfg.Scenario.Iterations = f.iterations
	}
	if changed("max-idle-conns-per-host") {
		cfg.Settings.MaxIdleConnsPerHost = f.maxIdleConnsPerHost
	}
	if changed("no-connection-reuse") {
		cfg.Settings.NoConnectionReuse = f.noConnectionReuse
	}
	if changed("check-target") {
		cfg.Settings.CheckTarget = f.checkTarget
	}
	if changed("metrics-addr") {
		cfg.Output.MetricsAddr = f.metricsAddr
	}
	if changed("output") {
		cfg.Output.File = f.output
	}
	if changed("quiet") {
		cfg.Output.Quiet = f.quiet
	}

	durations := []struct {
		flag string
		raw  string
		set  func(config.Duration)
	}{
		{"duration", f.duration, func(v config.Duration) { cfg.Scenario.Duration = v }},
		{"graceful-stop", f.gracefulStop, func(v config.Duration) { cfg.Scenario.GracefulStop = &v }},
		{"timeout", f.timeout, func(v config.Duration) { cfg.Settings.Timeout = v }},
	}
	for _, d := range durations {
		if !changed(d.flag) {
			continue
		}
		v, err := config.ParseDurationString(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", d.flag, err)
		}
		d.set(config.Duration(v))
	}

	config.ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// executeRun performs every startup check, runs the load, and reports.
// Startup failures return before any virtual user is created.
func executeRun(cmd *cobra.Command, cfg *config.RunConfig, noColor bool, logger *zap.Logger) error {
	ctx := cmd.Context()
	stdout := cmd.OutOrStdout()

	format, err := corpus.ParseFormat(cfg.Payload.Format)
	if err != nil {
		return err
	}
	policy, err := corpus.ParsePolicy(cfg.Payload.Policy)
	if err != nil {
		return err
	}

	c, err := corpus.Load(cfg.Payload.Fixture, corpus.Options{Format: format})
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	logger.Info("fixture loaded",
		zap.String("path", c.Source()),
		zap.Int("payloads", c.Len()),
		zap.Int64("bytes", c.Size()),
	)

	if cfg.Payload.Validate || cfg.Payload.Schema != "" {
		if err := validatePayloads(c, cfg.Payload.Schema); err != nil {
			return fmt.Errorf("validating fixture: %w", err)
		}
	}

	target, err := performance.NewTarget(cfg.Target.Host, cfg.Target.Path)
	if err != nil {
		return err
	}

	timeout := cfg.Settings.Timeout.GetDuration(config.DefaultTimeout)
	if cfg.Settings.CheckTarget {
		if err := checkTarget(ctx, target, timeout); err != nil {
			return fmt.Errorf("target check failed: %w", err)
		}
	}

	agg := metrics.NewAggregator()

	var exporter *metrics.PrometheusExporter
	var metricsLn net.Listener
	if cfg.Output.MetricsAddr != "" {
		exporter = metrics.NewPrometheusExporter(agg)
		metricsLn, err = net.Listen("tcp", cfg.Output.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		logger.Info("serving metrics", zap.String("addr", metricsLn.Addr().String()))
	}

	httpCfg := performance.DefaultHTTPClientConfig()
	httpCfg.Timeout = timeout
	httpCfg.MaxIdleConnsPerHost = cfg.Settings.MaxIdleConnsPerHost
	if cfg.Settings.NoConnectionReuse {
		httpCfg.UseSharedClient = false
		httpCfg.DisableKeepAlives = true
	}

	r, err := runner.New(runner.Options{
		Name:         cfg.Name,
		Target:       target,
		Corpus:       c,
		Policy:       policy,
		Seed:         cfg.Payload.Seed,
		VUs:          cfg.Scenario.VUs,
		RampUpRate:   cfg.Scenario.RampUpRate,
		RampDownRate: cfg.Scenario.RampDownRate,
		Duration:     time.Duration(cfg.Scenario.Duration),
		Iterations:   cfg.Scenario.Iterations,
		GracefulStop: time.Duration(*cfg.Scenario.GracefulStop),
		HTTP:         httpCfg,
		Thresholds:   cfg.Thresholds,
	}, agg, logger)
	if err != nil {
		if metricsLn != nil {
			metricsLn.Close()
		}
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		Name:    cfg.Name,
		Writer:  stdout,
		Quiet:   cfg.Output.Quiet,
		NoColor: noColor,
	})
	console.PrintHeader(target.URL, cfg.Scenario.VUs, time.Duration(cfg.Scenario.Duration), cfg.Scenario.Iterations)

	stopSignals := handleSignals(r, logger)
	defer stopSignals()

	var result *runner.Result
	runDone, finish := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runDone)

	g.Go(func() error {
		defer finish()
		var err error
		result, err = r.Run(ctx)
		return err
	})
	g.Go(func() error {
		// a failing sibling ends the run early
		<-gctx.Done()
		r.Stop()
		return nil
	})
	g.Go(func() error {
		return console.Watch(gctx, progressInterval, func() *output.LiveStats {
			elapsed, total := r.Progress()
			return output.StatsFromMetrics(agg, elapsed, total, cfg.Scenario.VUs)
		})
	})
	if metricsLn != nil {
		g.Go(func() error {
			return serveMetrics(gctx, metricsLn, exporter)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	console.PrintSummary(result)

	if cfg.Output.File != "" {
		if err := output.WriteReportFile(cfg.Output.File, result); err != nil {
			return err
		}
		if !cfg.Output.Quiet {
			fmt.Fprintf(stdout, "Report: %s\n", cfg.Output.File)
		}
	}

	if !result.Passed {
		return ErrThresholdsFailed
	}
	return nil
}

// validatePayloads checks every payload is JSON and, when schemaPath is set,
// that it satisfies the schema.
func validatePayloads(c *corpus.Corpus, schemaPath string) error {
	var schema corpus.SchemaValidator
	if schemaPath != "" {
		v, err := jsonschema.CompileFile(schemaPath)
		if err != nil {
			return fmt.Errorf("compiling payload schema: %w", err)
		}
		schema = v
	}
	return corpus.Validate(c, schema)
}

// checkTarget sends one HEAD request. Any HTTP response means the target is
// reachable.
func checkTarget(ctx context.Context, target performance.Target, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// serveMetrics exposes the exporter on ln until ctx is done.
func serveMetrics(ctx context.Context, ln net.Listener, exporter *metrics.PrometheusExporter) error {
	router := chi.NewRouter()
	router.Handle("/metrics", exporter.Handler())

	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleSignals ramps the run down on the first interrupt and aborts
// in-flight requests on the second. The returned func stops listening.
func handleSignals(r *runner.Runner, logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				received++
				if received == 1 {
					logger.Warn("stopping, send again to abort in-flight requests", zap.String("signal", sig.String()))
					r.Stop()
					continue
				}
				logger.Warn("aborting in-flight requests", zap.String("signal", sig.String()))
				r.Abort()
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
