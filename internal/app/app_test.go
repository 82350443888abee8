package app

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/food-agent/backend/internal/embedding"
	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/pkg/config"
)

type nopCompleter struct{}

func (nopCompleter) Model() string { return "gpt-4o-mini" }

func (nopCompleter) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: `{"action": "answer", "answer": "ok"}`}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o755))

	db, err := sql.Open("sqlite3", filepath.Join(root, "data", "products.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE products (code TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	return &config.Config{
		Root:  root,
		Paths: config.PathsConfig{Snapshot: "data/products.db"},
		Query: config.QueryConfig{MaxLimit: 100},
		Retry: config.RetryConfig{MaxRetries: 2, InitialDelay: 10 * time.Millisecond, Jitter: 0.1},
	}
}

func TestRetryConfig(t *testing.T) {
	rc := RetryConfig(config.RetryConfig{MaxRetries: 3, InitialDelay: 2 * time.Second, Jitter: 0.2})
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, 2*time.Second, rc.InitialDelay)
	assert.Equal(t, 60*time.Second, rc.MaxDelay)
	assert.InDelta(t, 0.2, rc.JitterFraction, 1e-9)
	assert.NotNil(t, rc.IsRetryable)
}

func TestNewEmbedder(t *testing.T) {
	cfg := &config.Config{Embedding: config.EmbeddingConfig{
		Model: "text-embedding-3-small", Dimension: 1536, BaseURL: "https://api.openai.com/v1",
	}}
	_, err := NewEmbedder(cfg, nil)
	var ce *config.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, config.KindEmbedding, ce.Kind)

	cfg.Embedding.BaseURL = "http://localhost:11434/v1"
	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &embedding.OpenAIEmbedder{}, e)
	assert.Equal(t, 1536, e.Dimension())
}

func TestTargets(t *testing.T) {
	a := &App{Config: testConfig(t), Completer: nopCompleter{}}
	ctx := context.Background()

	targets, closeAll, err := a.Targets(ctx, []string{"sql", " sql "})
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, targets, 2)
	assert.Equal(t, AgentSQL, targets[0].Driver.Agent().Name())
	assert.Equal(t, "gpt-4o-mini", targets[0].Model)
	assert.NotSame(t, targets[0].Queries, targets[1].Queries)
	assert.NotSame(t, targets[0].Reference, targets[0].Queries)

	_, _, err = a.Targets(ctx, []string{"graph"})
	assert.True(t, config.IsConfigError(err))

	_, _, err = a.Targets(ctx, []string{"sql", "vector"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown agent "vector"`)
}

func TestOpenSnapshot_Missing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.Snapshot = "data/missing.db"
	_, err := (&App{Config: cfg}).OpenSnapshot()
	var ce *config.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, config.KindSnapshot, ce.Kind)
}
