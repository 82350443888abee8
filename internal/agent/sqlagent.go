package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/food-agent/backend/internal/llm"
)

const DefaultMaxIterations = 6

const sqlSystemPrompt = `You answer questions about food products sold in Canada using the Open Food Facts snapshot.
The data lives in a single SQLite table named products. Nested columns (product_name, nutriments, categories_tags, labels_tags, ...) hold JSON text; use json_each and json_extract to read them.

Reply with exactly one JSON object per turn, using one of these shapes:
{"action": "sql", "reason": "...", "query": "SELECT ... FROM products WHERE ... LIMIT 10"}
%s{"action": "answer", "answer": "...", "source": "database|web", "sql": "the single query that supports the answer"}

Query rules: name the columns you need (never SELECT *), always add a LIMIT of at most %d, and add a WHERE clause unless you aggregate. Only SELECT is allowed.
After each action you receive an Observation. Answer as soon as the observations support it.

Relevant columns:
%s
Answer directives:
%s`

const webActionLine = `{"action": "web", "reason": "...", "query": "search terms for the nutrition-guidance site"}
`

// SQLAgent answers questions by querying the product snapshot, falling back
// to the curated web site once the database has been tried.
type SQLAgent struct {
	loop     loop
	maxLimit int
}

// NewSQLAgent builds the agent. web may be nil, in which case the web action
// is neither offered nor accepted.
func NewSQLAgent(completer llm.Completer, db QueryRunner, web WebSearcher, maxLimit, maxIterations int) *SQLAgent {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	tools := map[string]tool{
		"sql": {
			name:   "sql",
			source: "database",
			run: func(ctx context.Context, query string) (string, bool) {
				return describeResult(db.ExecuteAgentQuery(ctx, query))
			},
		},
	}
	if web != nil {
		tools["web"] = webTool(web)
	}
	return &SQLAgent{
		loop: loop{
			name:          "sql",
			completer:     completer,
			maxIterations: maxIterations,
			tools:         tools,
		},
		maxLimit: maxLimit,
	}
}

func (a *SQLAgent) Name() string { return "sql" }

func (a *SQLAgent) Run(ctx context.Context, question string, c Context) (*Output, error) {
	webLine := ""
	if _, ok := a.loop.tools["web"]; ok {
		webLine = webActionLine
	}
	system := fmt.Sprintf(sqlSystemPrompt, webLine, a.maxLimit, columnsOrNone(c.Columns), c.Directives.Render())
	return a.loop.run(ctx, system, question, c)
}

func columnsOrNone(columns string) string {
	if strings.TrimSpace(columns) == "" {
		return "(no column matched this question; inspect the products table yourself)\n"
	}
	return columns
}
