package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/retry"
)

// Response is one agent invocation as seen by the evaluator.
type Response struct {
	models.AgentResponse
	// Duration is wall-clock time from the first attempt to the last,
	// back-off included.
	Duration time.Duration
	Attempts int
	Err      error
}

// Driver invokes an Agent under the shared retry policy and normalises
// what it returns. It never interprets the agent's reasoning.
type Driver struct {
	agent Agent
	retry retry.Config
	now   func() time.Time
}

func NewDriver(a Agent, cfg retry.Config) *Driver {
	return &Driver{agent: a, retry: cfg, now: time.Now}
}

func (d *Driver) Agent() Agent { return d.agent }

// Ask runs the agent for one question. Transient failures are retried;
// whatever error remains is carried on the Response.
func (d *Driver) Ask(ctx context.Context, question string, c Context) Response {
	cfg := d.retry
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("agent").Inc()
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	start := d.now()
	out, attempts, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*Output, error) {
		return d.agent.Run(ctx, question, c)
	})
	resp := Response{Duration: d.now().Sub(start), Attempts: attempts}

	if err != nil {
		logger.Warn("Agent invocation failed",
			zap.String("agent", d.agent.Name()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		resp.Err = fmt.Errorf("agent %s: %w", d.agent.Name(), err)
		return resp
	}
	if out == nil {
		out = &Output{}
	}

	resp.AgentResponse = Normalize(out)
	return resp
}

// Normalize fills SQL and steps from the transcript when the agent did not
// report them, and renumbers steps from 1.
func Normalize(out *Output) models.AgentResponse {
	r := models.AgentResponse{
		Answer: out.Answer,
		Source: out.Source,
		SQL:    out.SQL,
		Steps:  out.Steps,
	}
	if len(r.Steps) == 0 && out.Transcript != "" {
		r.Steps = ExtractSteps(out.Transcript)
	}
	if r.SQL == "" {
		r.SQL = lastDatabaseQuery(r.Steps)
	}
	if r.SQL == "" && out.Transcript != "" {
		r.SQL = ExtractSQL(out.Transcript)
	}
	for i := range r.Steps {
		r.Steps[i].Ordinal = i + 1
	}
	return r
}

func lastDatabaseQuery(steps []models.Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Action.IsDatabase() && steps[i].Success && steps[i].Query != "" {
			return steps[i].Query
		}
	}
	return ""
}
