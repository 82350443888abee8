package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/logger"
)

const (
	SummaryCSV  = "metrics_summary.csv"
	MetricsFile = "metrics.prom"
)

// Options places the artifacts of one run. Dir is the run's own directory;
// ReportPath and VisualizationDir default to locations inside it.
type Options struct {
	Dir              string
	ReportPath       string
	VisualizationDir string
	Plots            bool
}

// Artifacts lists what Write produced. Optional holds the failures of the
// optional artifacts, which never fail the run.
type Artifacts struct {
	Report   string
	CSV      string
	Metrics  string
	Plots    []string
	Optional error
}

// RunDir is the timestamped directory for a run under base.
func RunDir(base string, run *models.Run) string {
	name := run.StartedAt.Format("2006-01-02T15-04-05")
	if len(run.ID) >= 8 {
		name += "_" + run.ID[:8]
	}
	return filepath.Join(base, name)
}

// Write emits the text report and the CSV, which are mandatory, then the
// metrics textfile and plots, whose failures are only logged.
func Write(run *models.Run, opts Options) (*Artifacts, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	art := &Artifacts{
		Report: opts.ReportPath,
		CSV:    filepath.Join(opts.Dir, SummaryCSV),
	}
	if art.Report == "" {
		art.Report = filepath.Join(opts.Dir, "evaluation_report.txt")
	}

	if err := writeFile(art.Report, func(w io.Writer) error { return WriteText(w, run) }); err != nil {
		return nil, fmt.Errorf("failed to write text report: %w", err)
	}
	if err := writeFile(art.CSV, func(w io.Writer) error { return WriteCSV(w, run.Agents) }); err != nil {
		return nil, fmt.Errorf("failed to write metrics summary: %w", err)
	}

	var optional *multierror.Error

	metricsPath := filepath.Join(opts.Dir, MetricsFile)
	if err := metrics.WriteTextfile(metricsPath); err != nil {
		optional = multierror.Append(optional, fmt.Errorf("metrics textfile: %w", err))
	} else {
		art.Metrics = metricsPath
	}

	if opts.Plots {
		vizDir := opts.VisualizationDir
		if vizDir == "" {
			vizDir = filepath.Join(opts.Dir, "visualizations")
		}
		if err := os.MkdirAll(vizDir, 0o755); err != nil {
			optional = multierror.Append(optional, fmt.Errorf("visualizations directory: %w", err))
		} else {
			written, errs := writePlots(run, vizDir)
			art.Plots = written
			optional = multierror.Append(optional, errs...)
		}
	}

	if err := optional.ErrorOrNil(); err != nil {
		art.Optional = err
		logger.Warn("Some optional report artifacts were not produced", zap.Error(err))
	}

	logger.Info("Report written",
		zap.String("report", art.Report),
		zap.String("csv", art.CSV),
		zap.Int("plots", len(art.Plots)),
	)
	return art, nil
}

var csvHeader = []string{
	"agent", "model", "lang", "total", "correct", "failures",
	"success_rate", "failure_rate", "mean_response_time_s", "median_response_time_s",
	"mean_sql_score", "mean_judge_score", "mean_combined_score",
	"mean_bleu_1", "mean_bleu_2", "mean_rouge_1", "mean_rouge_2", "mean_rouge_l",
	"mean_sequence_respect", "mean_steps",
}

// WriteCSV writes one row of aggregate metrics per agent.
func WriteCSV(w io.Writer, perfs []*models.AgentPerformance) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range nonNil(perfs) {
		s := p.Stats
		row := []string{
			p.Agent, p.Model, string(p.Lang),
			strconv.Itoa(s.Total), strconv.Itoa(s.Correct), strconv.Itoa(s.Failures),
			ff(s.SuccessRate), ff(s.FailureRate),
			ff(s.MeanResponseTime.Seconds()), ff(s.MedianResponseTime.Seconds()),
			ff(s.MeanSQL), ff(s.MeanJudge), ff(s.MeanCombined),
			ff(s.MeanBLEU1), ff(s.MeanBLEU2), ff(s.MeanROUGE1), ff(s.MeanROUGE2), ff(s.MeanROUGEL),
			ff(s.MeanSequence), ff(s.MeanSteps),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := render(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
