// Package retrieval narrows the product table schema to the columns most
// relevant to a question, using an embedding index over the documented
// column catalogue.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/embedding"
	"github.com/food-agent/backend/pkg/logger"
)

// DefaultThreshold is the similarity below which a column is left out of
// the context handed to an agent.
const DefaultThreshold = 0.5

type Retriever struct {
	index     *Index
	embedder  embedding.Embedder
	topK      int
	threshold float64
}

func NewRetriever(index *Index, embedder embedding.Embedder, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 8
	}
	return &Retriever{index: index, embedder: embedder, topK: topK, threshold: threshold}
}

func (r *Retriever) Threshold() float64 { return r.threshold }

// Search embeds the question and returns the top-k columns with scores.
func (r *Retriever) Search(ctx context.Context, question string, k int) ([]Match, error) {
	if r.index == nil || r.index.Len() == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = r.topK
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	matches := r.index.Search(vec, k)
	logger.Debug("Columns retrieved", zap.Int("k", k), zap.Int("matches", len(matches)))
	return matches, nil
}

// Context runs Search with the configured k and renders the result.
func (r *Retriever) Context(ctx context.Context, question string) (string, []Match, error) {
	matches, err := r.Search(ctx, question, r.topK)
	if err != nil {
		return "", nil, err
	}
	return ContextFor(matches, r.threshold), matches, nil
}

// ContextFor renders the catalogue section for matches at or above
// threshold. It returns "" when none qualifies.
func ContextFor(matches []Match, threshold float64) string {
	var b strings.Builder
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		col := m.Column
		fmt.Fprintf(&b, "- %s (%s), similarity %.2f\n", col.Name, col.Type, m.Score)
		if col.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", col.Description)
		}
		if len(col.Examples) > 0 {
			fmt.Fprintf(&b, "  Examples: %s\n", strings.Join(col.Examples, ", "))
		}
		for _, q := range col.CommonQueries {
			fmt.Fprintf(&b, "  Example query (%s): %s\n", q.Description, q.SQL)
		}
	}
	return b.String()
}
