package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/app"
	"github.com/food-agent/backend/internal/dataset"
	"github.com/food-agent/backend/internal/evaluation"
	"github.com/food-agent/backend/internal/kg/builder"
	"github.com/food-agent/backend/internal/kg/neo4j"
	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/report"
	"github.com/food-agent/backend/pkg/config"
	"github.com/food-agent/backend/pkg/logger"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

type options struct {
	configFile string
	limit      int
	lang       string
	model      string
	output     string
	agents     string
	noPlots    bool
	parallel   bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	logger.Sync()
	switch {
	case err == nil:
		return exitOK
	case config.IsConfigError(err):
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate question-answering agents against the reference QA corpus",
		Long: `Evaluate question-answering agents against the reference QA corpus.

Each question is put to every selected agent; the agent's query and the
reference query are executed on the product snapshot, and the answers are
scored with result overlap, BLEU/ROUGE and an LLM judge.

Examples:
  evaluate --limit 10 --lang en
  evaluate --agents sql,graph --model claude-sonnet-4-5 --output reports/compare.txt
  evaluate index
  evaluate graph-load --limit 5000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluation(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "path to config.yaml")

	root.Flags().IntVar(&opts.limit, "limit", 0, "evaluate at most N QA pairs (0 = all)")
	root.Flags().StringVar(&opts.lang, "lang", "", "question language: fr or en (default from config, fr)")
	root.Flags().StringVar(&opts.model, "model", "", "LLM model: "+strings.Join(llm.Models(), ", "))
	root.Flags().StringVar(&opts.output, "output", "", "path of the text report (default inside the run directory)")
	root.Flags().StringVar(&opts.agents, "agents", "", "comma-separated agents to evaluate: sql, graph")
	root.Flags().BoolVar(&opts.noPlots, "no-plots", false, "skip PNG plots")
	root.Flags().BoolVar(&opts.parallel, "parallel", false, "run the agents side by side")

	root.AddCommand(newIndexCmd(opts), newGraphLoadCmd(opts))
	return root
}

func newIndexCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the column index cache if it is missing or stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts, "index", config.KindCatalogue)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			embedder, err := app.NewEmbedder(cfg, nil)
			if err != nil {
				return err
			}
			catalog, index, err := app.BuildIndex(ctx, cfg, embedder)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "column index ready: %d columns, dimension %d, model %s\n",
				len(catalog), index.Dim, index.Model)
			return nil
		},
	}
}

func newGraphLoadCmd(opts *options) *cobra.Command {
	var limit, batch int
	cmd := &cobra.Command{
		Use:   "graph-load",
		Short: "Load the product snapshot into Neo4j for the graph agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts, "graph-load", config.KindSnapshot)
			if err != nil {
				return err
			}
			if !cfg.Neo4j.Enabled {
				return config.NewError(config.KindInvalid, "neo4j.enabled is false", nil)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			graph, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, cfg.Query.MaxLimit)
			if err != nil {
				return err
			}
			defer graph.Close(context.Background())

			a := &app.App{Config: cfg}
			acc, err := a.OpenSnapshot()
			if err != nil {
				return err
			}
			defer acc.Close()

			stats, err := builder.NewBuilder(acc, graph, builder.DefaultMapping(), batch).Build(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "graph loaded: %d products, %d brands, %d categories, %d countries\n",
				stats.Products, stats.Brands, stats.Categories, stats.Countries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "load at most N products (0 = all)")
	cmd.Flags().IntVar(&batch, "batch", builder.DefaultBatchSize, "products per write transaction")
	return cmd
}

// setup loads configuration, applies flag overrides and starts logging.
// inputs restricts which on-disk artifacts must exist; none means all.
func setup(opts *options, prefix string, inputs ...config.ErrorKind) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.LLM.Model = opts.model
	}
	if opts.lang != "" {
		cfg.Evaluation.Lang = opts.lang
	}
	if opts.agents != "" {
		cfg.Evaluation.Agents = strings.Split(opts.agents, ",")
	}
	if opts.noPlots {
		cfg.Evaluation.Plots = false
	}
	if opts.parallel {
		cfg.Evaluation.ParallelAgents = true
	}

	logPath, err := logger.Init(logger.Options{
		Level:   cfg.Logging.Level,
		Dir:     cfg.Resolve(cfg.Paths.Logs),
		Prefix:  prefix,
		Console: os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	metrics.Init()
	logger.Info("Configuration loaded",
		zap.String("root", cfg.Root),
		zap.String("model", cfg.LLM.Model),
		zap.String("log_file", logPath),
	)

	if err := cfg.CheckInputs(inputs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runEvaluation(cmd *cobra.Command, opts *options) error {
	cfg, err := setup(opts, "evaluation")
	if err != nil {
		return err
	}
	lang, err := models.ParseLang(cfg.Evaluation.Lang)
	if err != nil {
		return config.NewError(config.KindInvalid, "bad language", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pairs, err := dataset.LoadCorpus(cfg.Resolve(cfg.Paths.Corpus))
	if err != nil {
		return err
	}
	pairs = dataset.Limit(pairs, opts.limit)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, closeTargets, err := a.Targets(ctx, cfg.Evaluation.Agents)
	if err != nil {
		return err
	}
	defer closeTargets()

	judge := evaluation.NewJudge(a.Completer, app.RetryConfig(cfg.Retry))
	evaluator := evaluation.NewEvaluator(a.Retriever, judge, lang, cfg.Evaluation.Threshold)

	run := &models.Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Threshold: evaluator.Threshold(),
	}
	logger.Info("Starting evaluation run",
		zap.String("run_id", run.ID),
		zap.Int("pairs", len(pairs)),
		zap.Strings("agents", cfg.Evaluation.Agents),
		zap.String("lang", string(lang)),
	)

	perfs, runErr := evaluator.RunAll(ctx, targets, pairs, cfg.Evaluation.ParallelAgents)
	run.FinishedAt = time.Now()
	for _, p := range perfs {
		if p != nil {
			run.Agents = append(run.Agents, p)
		}
	}

	dir := report.RunDir(cfg.Resolve(cfg.Paths.Reports), run)
	err = publish(cmd.OutOrStdout(), run, report.Options{
		Dir:              dir,
		ReportPath:       cfg.Resolve(opts.output),
		VisualizationDir: visualizationDir(cfg, dir),
		Plots:            cfg.Evaluation.Plots,
	})
	return errors.Join(runErr, err)
}

// publish writes the report artifacts and prints the summary table. The
// table is printed even when the artifacts could not be written.
func publish(w io.Writer, run *models.Run, opts report.Options) error {
	art, writeErr := report.Write(run, opts)
	if err := report.SummaryTable(w, run.Agents); err != nil {
		return errors.Join(writeErr, err)
	}
	if writeErr != nil {
		return writeErr
	}
	fmt.Fprintf(w, "\nReport: %s\n", art.Report)
	return nil
}

// visualizationDir keeps plots inside the run directory unless an absolute
// location is configured.
func visualizationDir(cfg *config.Config, runDir string) string {
	p := cfg.Paths.Visualizations
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(runDir, p)
}
