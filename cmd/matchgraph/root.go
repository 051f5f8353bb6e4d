package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanonone/matchgraph/pkg/core/distance"
	"github.com/sanonone/matchgraph/pkg/engine"
	"github.com/sanonone/matchgraph/pkg/graph"
	"github.com/sanonone/matchgraph/pkg/initializer"
	"github.com/sanonone/matchgraph/pkg/items"
	"github.com/sanonone/matchgraph/pkg/oracle"
	"github.com/spf13/cobra"
)

// cliConfig holds everything the command line controls besides the engine
// options.
type cliConfig struct {
	configPath string
	itemsPath  string
	randomDim  int

	comparator  string
	metric      string
	precision   string
	threshold   float64
	probability float64

	gmlPath       string
	gmlSimilar    bool
	gmlDissimilar bool
	gmlPotential  bool
	similarLog    string

	metricsAddr string
	logLevel    string

	overrides engine.Options
	changed   func(name string) bool
}

func newRootCmd() *cobra.Command {
	var cfg cliConfig
	defaults := engine.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "matchgraph",
		Short: "Discover similar item pairs without comparing every pair",
		Long: `matchgraph builds a graph of Similar and Dissimilar item pairs. Each
iteration it asks the comparator about the k Unknown pairs whose label is
best predicted by the pairs already known, and adds the answers to the graph.

Items come from a feature file (--items) with one "name [@cluster] v1 v2 ..."
line per item, or are synthesized (--random N) and compared at random.

Examples:
  matchgraph --random 1000 --k 50 --iterations 20
  matchgraph --items features.txt --metric cosine --threshold 0.2 --gml out.gml
  matchgraph --items labeled.txt --comparator cluster --policy per-row`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.changed = cmd.Flags().Changed
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.configPath, "config", "", "YAML file with engine options")
	f.StringVar(&cfg.itemsPath, "items", "", "feature file to load items from")
	f.IntVarP(&cfg.randomDim, "random", "r", 0, "synthesize N items and compare them at random")

	o := &cfg.overrides
	f.IntVarP(&o.K, "k", "k", defaults.K, "pairs verified per iteration (-1 means items/2)")
	f.Float64VarP(&o.Lambda, "lambda", "l", defaults.Lambda, "regularization in [0,1]")
	f.IntVarP(&o.Iterations, "iterations", "i", defaults.Iterations, "number of iterations")
	f.IntVar(&o.RandomStep, "random-step", defaults.RandomStep, "select at random every N iterations (0 disables)")
	f.StringVar(&o.Policy, "policy", defaults.Policy, "selection policy: global or per-row")
	f.Uint64Var(&o.Seed, "seed", defaults.Seed, "seed for random selection and comparison")
	f.IntVar(&o.Workers, "workers", defaults.Workers, "parallel solver workers (0 means one per core)")
	f.IntVar(&o.OracleConcurrency, "oracle-concurrency", defaults.OracleConcurrency, "concurrent comparisons (0 means the whole batch)")
	f.StringVar(&o.JournalPath, "journal", defaults.JournalPath, "label journal; an existing journal is resumed")

	f.StringVar(&cfg.comparator, "comparator", "feature", "comparator for --items: feature or cluster")
	f.StringVar(&cfg.metric, "metric", string(distance.Euclidean), "feature distance: euclidean or cosine")
	f.StringVar(&cfg.precision, "precision", string(distance.Float32), "feature storage: float32 or float16")
	f.Float64Var(&cfg.threshold, "threshold", 0.5, "largest feature distance still called similar")
	f.Float64Var(&cfg.probability, "probability", 0.1, "chance that a pair is similar in random mode")

	f.StringVar(&cfg.gmlPath, "gml", "", "write the final graph as GML to this file")
	f.BoolVar(&cfg.gmlSimilar, "gml-similar", true, "include similar edges in the GML export")
	f.BoolVar(&cfg.gmlDissimilar, "gml-dissimilar", false, "include dissimilar edges in the GML export")
	f.BoolVar(&cfg.gmlPotential, "gml-potential", false, "include unknown pairs in the GML export")
	f.StringVar(&cfg.similarLog, "similar-log", "", "write the names of every similar pair to this file")

	f.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :2112")
	f.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")

	cmd.MarkFlagsMutuallyExclusive("items", "random")
	return cmd
}

func run(ctx context.Context, cfg cliConfig, stdout, stderr io.Writer) error {
	logger, err := newLogger(cfg.logLevel, stderr)
	if err != nil {
		return err
	}

	opts, err := engine.LoadOptions(cfg.configPath)
	if err != nil {
		return err
	}
	applyOverrides(&opts, cfg)
	opts.Logger = logger

	src, cmp, err := loadSource(cfg, opts.Seed, logger)
	if err != nil {
		return err
	}

	e, err := engine.New(opts, src, cmp, initializer.NewRandom(opts.Seed))
	if err != nil {
		return err
	}

	if cfg.metricsAddr != "" {
		srv := serveMetrics(cfg.metricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	summary, err := e.Run(ctx)
	if err != nil {
		return err
	}

	if err := export(e.Graph(), src, cfg); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "run %s: %d iterations, %d similar, %d dissimilar, %d unknown, %s\n",
		summary.RunID, summary.Iterations, summary.Similar, summary.Dissimilar, summary.Unknown,
		summary.Elapsed.Round(time.Millisecond))
	return nil
}

// applyOverrides copies every flag the user set explicitly over the options
// read from the configuration file.
func applyOverrides(opts *engine.Options, cfg cliConfig) {
	o := cfg.overrides
	set := func(name string, apply func()) {
		if cfg.changed != nil && cfg.changed(name) {
			apply()
		}
	}
	set("k", func() { opts.K = o.K })
	set("lambda", func() { opts.Lambda = o.Lambda })
	set("iterations", func() { opts.Iterations = o.Iterations })
	set("random-step", func() { opts.RandomStep = o.RandomStep })
	set("policy", func() { opts.Policy = o.Policy })
	set("seed", func() { opts.Seed = o.Seed })
	set("workers", func() { opts.Workers = o.Workers })
	set("oracle-concurrency", func() { opts.OracleConcurrency = o.OracleConcurrency })
	set("journal", func() { opts.JournalPath = o.JournalPath })
}

func loadSource(cfg cliConfig, seed uint64, logger *slog.Logger) (*items.Set, oracle.Comparator, error) {
	switch {
	case cfg.randomDim > 0:
		if cfg.probability < 0 || cfg.probability > 1 {
			return nil, nil, fmt.Errorf("probability must be in [0,1], got %g", cfg.probability)
		}
		return items.Synthetic(cfg.randomDim), oracle.RandomComparator{Seed: seed, Probability: cfg.probability}, nil
	case cfg.itemsPath == "":
		return nil, nil, errors.New("either --items or --random is required")
	}

	metric, err := distance.ParseMetric(cfg.metric)
	if err != nil {
		return nil, nil, err
	}
	precision, err := distance.ParsePrecision(cfg.precision)
	if err != nil {
		return nil, nil, err
	}
	src, err := items.LoadVectors(cfg.itemsPath, items.LoadOptions{
		Precision: precision,
		Normalize: metric == distance.Cosine,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("items loaded", "path", cfg.itemsPath, "count", src.Len(), "precision", precision)

	switch cfg.comparator {
	case "cluster":
		return src, oracle.ClusterComparator{}, nil
	case "feature":
		distance.LogKernels(logger)
		cmp, err := oracle.NewFeatureComparator(metric, precision, cfg.threshold)
		if err != nil {
			return nil, nil, err
		}
		return src, cmp, nil
	}
	return nil, nil, fmt.Errorf("unknown comparator %q", cfg.comparator)
}

func export(g *graph.Graph, src *items.Set, cfg cliConfig) error {
	if cfg.gmlPath != "" {
		flags := graph.ExportFlags{
			Similar:    cfg.gmlSimilar,
			Dissimilar: cfg.gmlDissimilar,
			Potential:  cfg.gmlPotential,
		}
		if err := writeFile(cfg.gmlPath, func(w io.Writer) error { return g.WriteGML(w, flags) }); err != nil {
			return fmt.Errorf("gml export: %w", err)
		}
	}
	// Synthetic items have no names worth logging.
	if cfg.similarLog != "" && cfg.randomDim == 0 {
		if err := writeFile(cfg.similarLog, func(w io.Writer) error { return g.WriteSimilarLog(w, src.Name) }); err != nil {
			return fmt.Errorf("similar log: %w", err)
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
