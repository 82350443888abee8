package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMiddleware_BurstThenRefill(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := New(Config{MaxRequests: 2, Window: time.Minute, Now: clk.now})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	status := func() int {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, status())
	assert.Equal(t, fiber.StatusOK, status())

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "31", resp.Header.Get("Retry-After"))

	// one refill interval later a single request is allowed again
	clk.t = clk.t.Add(30 * time.Second)
	assert.Equal(t, fiber.StatusOK, status())
	assert.Equal(t, fiber.StatusTooManyRequests, status())
}

func TestEvictIdle(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := New(Config{MaxRequests: 5, Window: time.Minute, Now: clk.now})
	defer rl.Stop()

	assert.True(t, rl.allow("10.0.0.1"))
	clk.t = clk.t.Add(time.Minute)
	assert.True(t, rl.allow("10.0.0.2"))

	clk.t = clk.t.Add(90 * time.Second)
	rl.evictIdle()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.NotContains(t, rl.buckets, "10.0.0.1")
	assert.Contains(t, rl.buckets, "10.0.0.2")
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(Config{})
	rl.Stop()
	rl.Stop()
}
