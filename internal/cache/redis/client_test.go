package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), mr
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetEmbedding(ctx, "m", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, "m", "h1", []float32{0.5, -0.25}))
	got, ok, err := c.GetEmbedding(ctx, "m", "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, -0.25}, got)
	assert.Equal(t, time.Hour, mr.TTL("embedding:m:h1"))

	_, ok, err = c.GetEmbedding(ctx, "other-model", "h1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateEmbeddings(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbedding(ctx, "m", "a", []float32{1}))
	require.NoError(t, c.SetEmbedding(ctx, "m", "b", []float32{2}))
	require.NoError(t, c.SetEmbedding(ctx, "n", "a", []float32{3}))

	n, err := c.InvalidateEmbeddings(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("embedding:m:a"))
	assert.True(t, mr.Exists("embedding:n:a"))
}

func TestAnswerRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type answer struct {
		Text string `json:"text"`
	}
	require.NoError(t, c.SetAnswer(ctx, "q", answer{Text: "Dix produits"}))

	var got answer
	ok, err := c.GetAnswer(ctx, "q", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Dix produits", got.Text)

	ok, err = c.GetAnswer(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
