// Package report renders a finished run: a plain-text report, a CSV of
// aggregate metrics, the Prometheus textfile and optional PNG plots.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/food-agent/backend/internal/models"
)

const (
	na        = "N/A"
	markOK    = "✓"
	markWrong = "✗"
)

// SummaryTable prints one row per agent with its aggregate metrics and the
// per-question correctness marks in question order.
func SummaryTable(w io.Writer, perfs []*models.AgentPerformance) error {
	ids := questionIDs(perfs)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Agent\tModel\tPairs\tCorrect\tSuccess\tFailure\tMean time\tMedian time\tSQL\tJudge\tCombined\tSequence\tPer question")
	for _, p := range perfs {
		if p == nil {
			continue
		}
		s := p.Stats
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			p.Agent, orNA(p.Model), s.Total, s.Correct,
			percent(s.SuccessRate), percent(s.FailureRate),
			seconds(s.MeanResponseTime), seconds(s.MedianResponseTime),
			s.MeanSQL, s.MeanJudge, s.MeanCombined, s.MeanSequence,
			Marks(p, ids),
		)
	}
	return tw.Flush()
}

// Marks is the correctness of each question in ids, one mark per question;
// a question the agent never saw is "-".
func Marks(p *models.AgentPerformance, ids []int) string {
	byID := resultsByID(p)
	var b strings.Builder
	for _, id := range ids {
		r, ok := byID[id]
		switch {
		case !ok:
			b.WriteString("-")
		case r.Correct:
			b.WriteString(markOK)
		default:
			b.WriteString(markWrong)
		}
	}
	return b.String()
}

// WriteText renders the full report. Questions are ordered by id; anything
// missing is rendered as N/A.
func WriteText(w io.Writer, run *models.Run) error {
	ew := &errWriter{w: w}

	ew.printf("Open Food Facts QA evaluation report\n")
	ew.printf("====================================\n\n")
	ew.printf("Run:        %s\n", orNA(run.ID))
	ew.printf("Started:    %s\n", timestamp(run.StartedAt))
	ew.printf("Finished:   %s\n", timestamp(run.FinishedAt))
	ew.printf("Threshold:  %.2f\n", run.Threshold)
	if len(run.Agents) > 0 && run.Agents[0] != nil {
		ew.printf("Language:   %s\n", run.Agents[0].Lang)
	}
	ew.printf("\nSUMMARY\n-------\n")
	if ew.err == nil {
		ew.err = SummaryTable(w, run.Agents)
	}

	ids := questionIDs(run.Agents)
	ew.printf("\nPER-QUESTION CORRECTNESS\n------------------------\n")
	if ew.err == nil {
		ew.err = correctnessTable(w, run.Agents, ids)
	}

	ew.printf("\nDETAILS\n-------\n")
	byAgent := make([]map[int]models.EvaluationResult, len(run.Agents))
	for i, p := range run.Agents {
		byAgent[i] = resultsByID(p)
	}
	for _, id := range ids {
		question, reference, refSQL := questionHeader(run.Agents, byAgent, id)
		ew.printf("\nQuestion %d: %s\n", id, question)
		ew.printf("  Reference answer: %s\n", reference)
		ew.printf("  Reference SQL:    %s\n", refSQL)

		for i, p := range run.Agents {
			if p == nil {
				continue
			}
			r, ok := byAgent[i][id]
			if !ok {
				ew.printf("  [%s] %s\n", p.Agent, na)
				continue
			}
			writeResult(ew, p.Agent, r)
		}
	}
	return ew.err
}

func writeResult(ew *errWriter, agent string, r models.EvaluationResult) {
	status := "incorrect"
	switch {
	case r.Failed():
		status = "FAILED"
	case r.Correct:
		status = "correct"
	}
	s := r.Scores

	ew.printf("  [%s] %s\n", agent, status)
	ew.printf("    Answer:        %s\n", orNA(oneLine(r.Response.Answer)))
	ew.printf("    Source:        %s\n", orNA(r.Response.Source))
	ew.printf("    SQL:           %s\n", orNA(oneLine(r.Response.SQL)))
	if r.AgentQueryError != "" && r.Response.SQL != "" {
		ew.printf("    Query error:   %s\n", r.AgentQueryError)
	}
	if r.ReferenceError != "" {
		ew.printf("    Reference:     %s (%s)\n", na, r.ReferenceError)
	}
	ew.printf("    SQL score:     %.2f (present %.0f, executed %.0f, match %.2f)\n",
		s.SQL, s.QueryPresent, s.ExecutionSuccess, s.ResultsMatch)
	lexical := na
	if s.LexicalOK {
		lexical = fmt.Sprintf("BLEU-1 %.2f, BLEU-2 %.2f, ROUGE-1 %.2f, ROUGE-2 %.2f, ROUGE-L %.2f",
			s.BLEU1, s.BLEU2, s.ROUGE1, s.ROUGE2, s.ROUGEL)
	}
	ew.printf("    Lexical:       %s\n", lexical)
	ew.printf("    Judge:         %.2f\n", s.Judge)
	ew.printf("    Combined:      %.2f\n", s.Combined)
	ew.printf("    Sequence:      %.0f (%d steps)\n", s.SequenceRespect, s.StepCount)
	for _, st := range r.Response.Steps {
		outcome := "ok"
		if !st.Success {
			outcome = "failed"
		}
		ew.printf("      %d. %s [%s] %s\n", st.Ordinal, st.Action, outcome, oneLine(firstNonEmpty(st.Query, st.Description)))
	}
	ew.printf("    Response time: %s (%d attempts)\n", seconds(r.ResponseTime), r.Attempts)
	if r.Refused {
		ew.printf("    Refused:       yes\n")
	}
	if r.Error != "" {
		ew.printf("    Error:         %s\n", r.Error)
	}
}

func correctnessTable(w io.Writer, perfs []*models.AgentPerformance, ids []int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"Question"}
	maps := make([]map[int]models.EvaluationResult, 0, len(perfs))
	for _, p := range perfs {
		if p == nil {
			continue
		}
		header = append(header, p.Agent)
		maps = append(maps, resultsByID(p))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, id := range ids {
		row := []string{fmt.Sprint(id)}
		for _, m := range maps {
			r, ok := m[id]
			switch {
			case !ok:
				row = append(row, na)
			case r.Correct:
				row = append(row, fmt.Sprintf("%s %.2f", markOK, r.Scores.Combined))
			default:
				row = append(row, fmt.Sprintf("%s %.2f", markWrong, r.Scores.Combined))
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func questionHeader(perfs []*models.AgentPerformance, byAgent []map[int]models.EvaluationResult, id int) (question, reference, refSQL string) {
	question, reference, refSQL = na, na, na
	for i := range perfs {
		r, ok := byAgent[i][id]
		if !ok {
			continue
		}
		question = orNA(r.Question)
		reference = orNA(oneLine(r.ReferenceAnswer))
		refSQL = orNA(oneLine(r.ReferenceSQL))
		break
	}
	return question, reference, refSQL
}

func questionIDs(perfs []*models.AgentPerformance) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, p := range perfs {
		if p == nil {
			continue
		}
		for _, r := range p.Results {
			if !seen[r.QuestionID] {
				seen[r.QuestionID] = true
				ids = append(ids, r.QuestionID)
			}
		}
	}
	sort.Ints(ids)
	return ids
}

func resultsByID(p *models.AgentPerformance) map[int]models.EvaluationResult {
	m := make(map[int]models.EvaluationResult)
	if p == nil {
		return m
	}
	for _, r := range p.Results {
		m[r.QuestionID] = r
	}
	return m
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return na
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return na
	}
	return t.Format(time.RFC3339)
}
