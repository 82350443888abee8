package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/report"
)

func TestExecute_MissingSnapshotIsConfigError(t *testing.T) {
	t.Chdir(t.TempDir())

	code := execute([]string{"--limit", "2", "--lang", "en", "--no-plots"})
	assert.Equal(t, exitConfigError, code)

	// the run log is still written before inputs are checked
	entries, err := os.ReadDir("logs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^evaluation_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.log$`, entries[0].Name())
}

func TestExecute_IndexNeedsCatalogue(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "products.db"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "qa_pairs.json"), []byte("[]"), 0o644))

	assert.Equal(t, exitConfigError, execute([]string{"index"}))
}

func TestExecute_UnknownFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.Equal(t, exitFailure, execute([]string{"--frobnicate"}))
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"limit", "lang", "model", "output", "agents", "config", "no-plots", "parallel"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Contains(t, cmd.Flag("model").Usage, "gpt-4o-mini")

	for _, name := range []string{"index", "graph-load"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestExecute_GraphLoadNeedsNeo4j(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "products.db"), nil, 0o644))

	assert.Equal(t, exitConfigError, execute([]string{"graph-load", "--limit", "10"}))
}

func sampleRun() *models.Run {
	return &models.Run{
		ID:        "0123456789abcdef",
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Threshold: 0.4,
		Agents: []*models.AgentPerformance{{
			Agent:   "sql",
			Model:   "gpt-4o-mini",
			Lang:    models.LangFR,
			Results: []models.EvaluationResult{{QuestionID: 1, Correct: true}},
			Stats:   models.Stats{Total: 1, Correct: 1, SuccessRate: 1},
		}},
	}
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	err := publish(&out, sampleRun(), report.Options{Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "gpt-4o-mini")
	assert.Contains(t, out.String(), "Report: "+filepath.Join(dir, "evaluation_report.txt"))
	assert.FileExists(t, filepath.Join(dir, report.SummaryCSV))
}

func TestPublish_SummaryPrintedWhenReportFails(t *testing.T) {
	dir := t.TempDir()
	// the report path is a directory, so the text report cannot be created
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(blocked, 0o755))
	var out bytes.Buffer

	err := publish(&out, sampleRun(), report.Options{Dir: dir, ReportPath: blocked})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text report")
	assert.Contains(t, out.String(), "gpt-4o-mini")
	assert.NotContains(t, out.String(), "Report:")
}
