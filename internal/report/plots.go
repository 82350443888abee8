package report

import (
	"errors"
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/food-agent/backend/internal/models"
)

const (
	SuccessFailurePlot = "success_failure.png"
	ResponseTimePlot   = "response_times.png"
	CorrectnessPlot    = "per_question_correctness.png"
)

var errNoData = errors.New("nothing to plot")

var barWidth = vg.Points(18)

// plotSuccessFailure draws success and failure rates side by side per agent.
func plotSuccessFailure(perfs []*models.AgentPerformance, path string) error {
	perfs = nonNil(perfs)
	if len(perfs) == 0 {
		return errNoData
	}

	p := plot.New()
	p.Title.Text = "Success vs failure rate"
	p.Y.Label.Text = "% of questions"
	p.Y.Min, p.Y.Max = 0, 100

	for i, perf := range perfs {
		bars, err := plotter.NewBarChart(plotter.Values{perf.Stats.SuccessRate * 100, perf.Stats.FailureRate * 100}, barWidth)
		if err != nil {
			return fmt.Errorf("bar chart for %s: %w", perf.Agent, err)
		}
		bars.Color = plotutil.Color(i)
		bars.LineStyle.Width = vg.Length(0)
		bars.Offset = barOffset(i, len(perfs))
		p.Add(bars)
		p.Legend.Add(perf.Agent, bars)
	}
	p.Legend.Top = true
	p.NominalX("Success", "Failure")

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

// plotResponseTimes draws one box per agent over its response times in seconds.
func plotResponseTimes(perfs []*models.AgentPerformance, path string) error {
	p := plot.New()
	p.Title.Text = "Response time"
	p.Y.Label.Text = "seconds"

	var names []string
	for _, perf := range nonNil(perfs) {
		if len(perf.Results) == 0 {
			continue
		}
		values := make(plotter.Values, len(perf.Results))
		for i, r := range perf.Results {
			values[i] = r.ResponseTime.Seconds()
		}
		box, err := plotter.NewBoxPlot(vg.Points(30), float64(len(names)), values)
		if err != nil {
			return fmt.Errorf("box plot for %s: %w", perf.Agent, err)
		}
		box.FillColor = plotutil.Color(len(names))
		p.Add(box)
		names = append(names, perf.Agent)
	}
	if len(names) == 0 {
		return errNoData
	}
	p.NominalX(names...)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

// plotCorrectness draws each agent's combined score per question, with the
// correctness threshold as a horizontal line.
func plotCorrectness(perfs []*models.AgentPerformance, threshold float64, path string) error {
	perfs = nonNil(perfs)
	ids := questionIDs(perfs)
	if len(ids) == 0 {
		return errNoData
	}

	p := plot.New()
	p.Title.Text = "Combined score per question"
	p.Y.Label.Text = "combined score"
	p.Y.Min, p.Y.Max = 0, 1

	for i, perf := range perfs {
		byID := resultsByID(perf)
		values := make(plotter.Values, len(ids))
		for j, id := range ids {
			values[j] = byID[id].Scores.Combined
		}
		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return fmt.Errorf("bar chart for %s: %w", perf.Agent, err)
		}
		bars.Color = plotutil.Color(i)
		bars.LineStyle.Width = vg.Length(0)
		bars.Offset = barOffset(i, len(perfs))
		p.Add(bars)
		p.Legend.Add(perf.Agent, bars)
	}

	line := plotter.NewFunction(func(float64) float64 { return threshold })
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(line)
	p.Legend.Add(fmt.Sprintf("threshold %.2f", threshold), line)
	p.Legend.Top = true

	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = fmt.Sprintf("Q%d", id)
	}
	p.NominalX(labels...)

	width := vg.Length(len(ids)*len(perfs))*barWidth + 3*vg.Inch
	return p.Save(max(6*vg.Inch, width), 4*vg.Inch, path)
}

func barOffset(i, n int) vg.Length {
	return vg.Length(float64(i)-float64(n-1)/2) * barWidth
}

func nonNil(perfs []*models.AgentPerformance) []*models.AgentPerformance {
	out := make([]*models.AgentPerformance, 0, len(perfs))
	for _, p := range perfs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// writePlots renders every plot into dir, returning the files written and
// the errors of those that failed.
func writePlots(run *models.Run, dir string) ([]string, []error) {
	plots := []struct {
		name string
		draw func(path string) error
	}{
		{SuccessFailurePlot, func(path string) error { return plotSuccessFailure(run.Agents, path) }},
		{ResponseTimePlot, func(path string) error { return plotResponseTimes(run.Agents, path) }},
		{CorrectnessPlot, func(path string) error { return plotCorrectness(run.Agents, run.Threshold, path) }},
	}

	var written []string
	var errs []error
	for _, pl := range plots {
		path := filepath.Join(dir, pl.name)
		if err := pl.draw(path); err != nil {
			errs = append(errs, fmt.Errorf("plot %s: %w", pl.name, err))
			continue
		}
		written = append(written, path)
	}
	return written, errs
}
