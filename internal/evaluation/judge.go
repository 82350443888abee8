package evaluation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/retry"
)

// MaxJudgeScore is the top of the judge's scale.
const MaxJudgeScore = 5.0

const judgePrompt = `You grade answers to questions about food products.

Question: %s

Reference answer: %s

Candidate answer: %s

Rate how well the candidate answer matches the reference answer in meaning, on a scale from 0 to 5:
0 = unrelated or wrong, 1 = barely related, 2 = partially correct, 3 = mostly correct with gaps, 4 = correct with minor differences, 5 = fully equivalent.
The answers may be in French or English; judge the meaning, not the wording.
Reply with the number only.`

var judgeNumberPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// Judge asks a language model for a 0-5 semantic-match score.
type Judge struct {
	completer llm.Completer
	retry     retry.Config
}

func NewJudge(completer llm.Completer, cfg retry.Config) *Judge {
	return &Judge{completer: completer, retry: cfg}
}

// Score returns the raw 0-5 judgement. An unparseable reply scores 0
// without error; a failed call after retries returns the error.
func (j *Judge) Score(ctx context.Context, question, reference, candidate string) (float64, error) {
	if strings.TrimSpace(candidate) == "" {
		return 0, nil
	}

	cfg := j.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("judge").Inc()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	resp, _, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return j.completer.Complete(ctx, llm.CompletionRequest{
			UserPrompt:  fmt.Sprintf(judgePrompt, question, reference, candidate),
			Temperature: 0,
			MaxTokens:   8,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("judge call failed: %w", err)
	}

	score, ok := ParseJudgeScore(resp.Content)
	if !ok {
		metrics.JudgeParseFailures.Inc()
		logger.Warn("Judge reply is not a score", zap.String("reply", resp.Content))
		return 0, nil
	}
	return score, nil
}

// ParseJudgeScore takes the first number in the reply, clamped to [0,5].
func ParseJudgeScore(reply string) (float64, bool) {
	m := judgeNumberPattern.FindString(reply)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	switch {
	case v < 0:
		v = 0
	case v > MaxJudgeScore:
		v = MaxJudgeScore
	}
	return v, true
}
