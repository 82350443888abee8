package agent

import (
	"context"
	"fmt"

	"github.com/food-agent/backend/internal/llm"
)

const graphSystemPrompt = `You answer questions about food products sold in Canada using a Neo4j graph built from Open Food Facts.
Graph schema:
%s
Reply with exactly one JSON object per turn, using one of these shapes:
{"action": "cypher", "reason": "...", "query": "MATCH (p:Product) WHERE ... RETURN p.code, p.name LIMIT 10"}
%s{"action": "answer", "answer": "...", "source": "graph|web", "sql": "the single Cypher query that supports the answer"}

Query rules: read-only Cypher only (MATCH, OPTIONAL MATCH, WITH, RETURN, CALL db.*), one statement, always a LIMIT of at most %d.
After each action you receive an Observation. Answer as soon as the observations support it.

Product properties that map to snapshot columns:
%s
Answer directives:
%s`

// GraphAgent answers questions over the product graph.
type GraphAgent struct {
	loop     loop
	schema   string
	maxLimit int
}

// NewGraphAgent builds the agent; schema is the label and relationship
// summary shown to the model.
func NewGraphAgent(completer llm.Completer, graph QueryRunner, web WebSearcher, schema string, maxLimit, maxIterations int) *GraphAgent {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	tools := map[string]tool{
		"cypher": {
			name:   "cypher",
			source: "graph",
			run: func(ctx context.Context, query string) (string, bool) {
				return describeResult(graph.ExecuteAgentQuery(ctx, query))
			},
		},
	}
	if web != nil {
		tools["web"] = webTool(web)
	}
	return &GraphAgent{
		loop: loop{
			name:          "graph",
			completer:     completer,
			maxIterations: maxIterations,
			tools:         tools,
		},
		schema:   schema,
		maxLimit: maxLimit,
	}
}

func (a *GraphAgent) Name() string { return "graph" }

func (a *GraphAgent) Run(ctx context.Context, question string, c Context) (*Output, error) {
	webLine := ""
	if _, ok := a.loop.tools["web"]; ok {
		webLine = webActionLine
	}
	system := fmt.Sprintf(graphSystemPrompt, a.schema, webLine, a.maxLimit, columnsOrNone(c.Columns), c.Directives.Render())
	return a.loop.run(ctx, system, question, c)
}
