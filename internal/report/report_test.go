package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/food-agent/backend/internal/models"
)

func result(id int, combined float64, correct bool) models.EvaluationResult {
	return models.EvaluationResult{
		QuestionID:      id,
		Lang:            models.LangFR,
		Question:        "Question " + string(rune('0'+id)),
		ReferenceAnswer: "Réponse",
		ReferenceSQL:    "SELECT code FROM products WHERE code = '1' LIMIT 1",
		Response:        models.AgentResponse{Answer: "Une réponse", Source: "database"},
		Scores:          models.Scores{Combined: combined, LexicalOK: true},
		Correct:         correct,
		ResponseTime:    time.Duration(id) * time.Second,
		Attempts:        1,
	}
}

func twoAgentRun() *models.Run {
	a := &models.AgentPerformance{Agent: "sql", Model: "gpt-4o-mini", Lang: models.LangFR, Results: []models.EvaluationResult{
		result(1, 0.8, true), result(2, 0.6, true),
	}}
	a.Stats = models.Stats{Total: 2, Correct: 2, SuccessRate: 1}
	b := &models.AgentPerformance{Agent: "graph", Model: "gpt-4o-mini", Lang: models.LangFR, Results: []models.EvaluationResult{
		result(1, 0.3, false), result(2, 0.5, true),
	}}
	b.Stats = models.Stats{Total: 2, Correct: 1, SuccessRate: 0.5}

	return &models.Run{
		ID:         "0f8c2a4e-1111-2222-3333-444455556666",
		StartedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC),
		Threshold:  0.4,
		Agents:     []*models.AgentPerformance{a, b},
	}
}

func TestSummaryTable_MarksAndRates(t *testing.T) {
	run := twoAgentRun()
	var buf bytes.Buffer
	require.NoError(t, SummaryTable(&buf, run.Agents))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "sql")
	assert.Contains(t, lines[1], "100.0%")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[1]), "✓✓"))
	assert.Contains(t, lines[2], "50.0%")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "✗✓"))
}

func TestMarks_MissingQuestion(t *testing.T) {
	p := &models.AgentPerformance{Results: []models.EvaluationResult{result(2, 0.9, true)}}
	assert.Equal(t, "-✓", Marks(p, []int{1, 2}))
}

func TestWriteText_OrdersByIDAndRendersNA(t *testing.T) {
	run := twoAgentRun()
	// out of order on purpose, and question 3 only for the first agent
	run.Agents[0].Results = []models.EvaluationResult{result(2, 0.6, true), result(1, 0.8, true), result(3, 0.1, false)}
	run.Agents[0].Results[2].Response = models.AgentResponse{}
	run.Agents[0].Results[2].Error = "agent sql: retries exhausted"
	run.Agents[0].Results[2].ReferenceError = "no such column"

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, run))
	out := buf.String()

	q1 := strings.Index(out, "Question 1:")
	q2 := strings.Index(out, "Question 2:")
	q3 := strings.Index(out, "Question 3:")
	require.True(t, q1 > 0 && q2 > q1 && q3 > q2, out)

	details := out[q3:]
	assert.Contains(t, details, "[graph] N/A")
	assert.Contains(t, details, "FAILED")
	assert.Contains(t, details, "Error:         agent sql: retries exhausted")
	assert.Contains(t, details, "Reference:     N/A (no such column)")
	assert.Contains(t, details, "SQL:           N/A")
	assert.Contains(t, out, "Threshold:  0.40")
}

func TestWriteText_EmptyRun(t *testing.T) {
	run := &models.Run{Agents: []*models.AgentPerformance{{Agent: "sql"}}}
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, run))
	assert.Contains(t, buf.String(), "SUMMARY")
	assert.Contains(t, buf.String(), "0.0%")
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, twoAgentRun().Agents))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "sql", records[1][0])
	assert.Equal(t, "1.0000", records[1][6])
	assert.Equal(t, "0.5000", records[2][6])
}

func TestWrite_ProducesArtifacts(t *testing.T) {
	run := twoAgentRun()
	dir := RunDir(t.TempDir(), run)
	assert.True(t, strings.HasSuffix(dir, "2024-05-01T12-00-00_0f8c2a4e"))

	art, err := Write(run, Options{Dir: dir, Plots: true})
	require.NoError(t, err)

	for _, path := range []string{art.Report, art.CSV, art.Metrics} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size(), path)
	}
	assert.NoError(t, art.Optional)
	require.Len(t, art.Plots, 3)
	for _, path := range art.Plots {
		assert.Equal(t, filepath.Join(dir, "visualizations"), filepath.Dir(path))
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
}

func TestWrite_EmptyRunStillWritesReport(t *testing.T) {
	run := &models.Run{Threshold: 0.4, Agents: []*models.AgentPerformance{{Agent: "sql"}}}
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "custom", "report.txt")

	art, err := Write(run, Options{Dir: dir, ReportPath: reportPath, Plots: true})
	require.NoError(t, err)
	assert.Equal(t, reportPath, art.Report)
	_, err = os.Stat(reportPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, SummaryCSV))
	require.NoError(t, err)

	// only the rate chart has something to draw; the others are reported
	// but not fatal
	assert.Error(t, art.Optional)
	require.Len(t, art.Plots, 1)
	assert.Equal(t, SuccessFailurePlot, filepath.Base(art.Plots[0]))
}
