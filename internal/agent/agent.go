// Package agent defines the contract between the harness and an agent under
// test, the driver that invokes agents with retries, and the two concrete
// agents: one over the product snapshot and one over the product graph.
package agent

import (
	"context"

	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/search/web"
)

// Context is everything an agent is told about a question besides its text.
type Context struct {
	Lang       models.Lang
	Columns    string
	Directives Directives
}

// Output is what an agent hands back. Steps and SQL may be empty, in which
// case the Driver recovers them from Transcript.
type Output struct {
	Answer     string
	Source     string
	SQL        string
	Steps      []models.Step
	Transcript string
}

type Agent interface {
	Run(ctx context.Context, question string, c Context) (*Output, error)
	Name() string
}

// QueryRunner executes agent-supplied queries under the backend's safety
// policy. Both the snapshot accessor and the graph client satisfy it.
type QueryRunner interface {
	ExecuteAgentQuery(ctx context.Context, query string) models.QueryResult
}

type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error)
}
