package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/food-agent/backend/internal/agent"
	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/middleware/validation"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/query"
	"github.com/food-agent/backend/internal/retrieval"
	"github.com/food-agent/backend/pkg/retry"
)

type stubAgent struct{ err error }

func (s stubAgent) Name() string { return "sql" }

func (s stubAgent) Run(_ context.Context, question string, c agent.Context) (*agent.Output, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &agent.Output{
		Answer: "answer to " + question + " in " + string(c.Lang),
		Source: "database",
		SQL:    "SELECT count(*) FROM products LIMIT 1",
	}, nil
}

type stubColumns struct{}

func (stubColumns) Context(context.Context, string) (string, []retrieval.Match, error) {
	return "", nil, nil
}

func (stubColumns) Search(_ context.Context, _ string, k int) ([]retrieval.Match, error) {
	all := []retrieval.Match{
		{Column: models.ColumnMetadata{Name: "brands", Type: "string"}, Score: 0.8},
		{Column: models.ColumnMetadata{Name: "countries_tags", Type: "list"}, Score: 0.6},
	}
	return all[:min(k, len(all))], nil
}

func newTestApp(a agent.Agent) *fiber.App {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	engine := query.NewEngine(stubColumns{}, agent.NewDriver(a, cfg), nil, "gpt-4o-mini", models.LangFR)

	app := fiber.New()
	Register(app.Group("/api/v1"), NewQueryHandler(engine), validation.Middleware(validation.Config{}),
		HealthInfo{Model: "gpt-4o-mini", Columns: 42})
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHandleQuery(t *testing.T) {
	app := newTestApp(stubAgent{})

	status, out := do(t, app, "POST", "/api/v1/query", `{"question": "How many products?", "lang": "en"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "answer to How many products? in en", out["answer"])
	assert.Equal(t, "SELECT count(*) FROM products LIMIT 1", out["sql"])
	assert.Equal(t, "database", out["source"])
	assert.Equal(t, false, out["cached"])
	assert.NotEmpty(t, out["id"])
}

func TestHandleQuery_Errors(t *testing.T) {
	app := newTestApp(stubAgent{err: llm.NewError(llm.KindAuth, "invalid key", false, nil)})

	status, out := do(t, app, "POST", "/api/v1/query", `{"question": "Combien ?"}`)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "Failed to process query", out["error"])

	status, _ = do(t, app, "POST", "/api/v1/query", `{"question": ""}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleColumnSearch(t *testing.T) {
	app := newTestApp(stubAgent{})

	status, out := do(t, app, "POST", "/api/v1/columns/search", `{"question": "brand by country", "k": 1}`)
	assert.Equal(t, fiber.StatusOK, status)
	cols, ok := out["columns"].([]any)
	require.True(t, ok)
	require.Len(t, cols, 1)
	assert.Equal(t, "brands", cols[0].(map[string]any)["name"])

	status, out = do(t, app, "POST", "/api/v1/columns/search", `{"question": "brand by country"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, out["columns"], 2)
}

func TestHealth(t *testing.T) {
	app := newTestApp(stubAgent{})

	status, out := do(t, app, "GET", "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "gpt-4o-mini", out["model"])
	assert.Equal(t, float64(42), out["columns"])
}
