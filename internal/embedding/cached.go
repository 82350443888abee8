package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/utils"
)

// Store is the slice of the redis cache the decorator needs.
type Store interface {
	GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, textHash string, embedding []float32) error
}

// Cached serves vectors from a Store and only asks the inner Embedder for
// misses. Cache failures are logged and bypassed.
type Cached struct {
	inner Embedder
	store Store
}

func NewCached(inner Embedder, store Store) *Cached {
	return &Cached{inner: inner, store: store}
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }
func (c *Cached) Model() string  { return c.inner.Model() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.inner.Model()
	vectors := make([][]float32, len(texts))
	hashes := make([]string, len(texts))

	var missing []int
	for i, text := range texts {
		hashes[i] = utils.HashText(text)
		v, ok, err := c.store.GetEmbedding(ctx, model, hashes[i])
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok && len(v) == c.inner.Dimension() {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			vectors[i] = v
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	fresh, err := c.inner.EmbedBatch(ctx, pending)
	if err != nil {
		return nil, err
	}

	for j, i := range missing {
		vectors[i] = fresh[j]
		if err := c.store.SetEmbedding(ctx, model, hashes[i], fresh[j]); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}

	logger.Debug("Embedding cache",
		zap.Int("hits", len(texts)-len(missing)),
		zap.Int("misses", len(missing)),
	)
	return vectors, nil
}
