// Package evaluation scores agents against the reference QA corpus: it runs
// each question through an agent, executes both the reference and the
// agent's query, and combines result overlap, lexical overlap and an LLM
// judgement into one score per question.
package evaluation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/food-agent/backend/internal/agent"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/retrieval"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/retry"
)

// ReferenceRunner executes reference queries without the agent-query policy.
type ReferenceRunner interface {
	Execute(ctx context.Context, query string) models.QueryResult
}

// ColumnContext turns a question into the catalogue section shown to agents.
type ColumnContext interface {
	Context(ctx context.Context, question string) (string, []retrieval.Match, error)
}

// Scorer produces a raw 0-5 judgement.
type Scorer interface {
	Score(ctx context.Context, question, reference, candidate string) (float64, error)
}

// Target is one agent under test with the backends its queries are scored
// against. Targets evaluated in parallel must not share runners.
type Target struct {
	Driver    *agent.Driver
	Model     string
	Queries   agent.QueryRunner
	Reference ReferenceRunner
}

type Evaluator struct {
	columns   ColumnContext
	judge     Scorer
	lang      models.Lang
	threshold float64
}

func NewEvaluator(columns ColumnContext, judge Scorer, lang models.Lang, threshold float64) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Evaluator{
		columns:   columns,
		judge:     judge,
		lang:      lang,
		threshold: threshold,
	}
}

func (e *Evaluator) Threshold() float64 { return e.threshold }

// Run evaluates one agent over pairs, one question at a time in corpus order.
// Per-pair failures are recorded on the result; only cancellation stops it,
// in which case the pairs done so far are returned with the error.
func (e *Evaluator) Run(ctx context.Context, target Target, pairs []models.QAPair) (*models.AgentPerformance, error) {
	name := target.Driver.Agent().Name()
	logger.Info("Running evaluation",
		zap.String("agent", name),
		zap.String("lang", string(e.lang)),
		zap.Int("pairs", len(pairs)),
	)

	perf := &models.AgentPerformance{
		Agent:   name,
		Model:   target.Model,
		Lang:    e.lang,
		Results: make([]models.EvaluationResult, 0, len(pairs)),
	}

	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			perf.Stats = Summarize(perf.Results)
			return perf, err
		}

		result := e.EvaluatePair(ctx, target, pair)
		perf.Results = append(perf.Results, result)

		logger.Info("Pair evaluated",
			zap.String("agent", name),
			zap.Int("index", i+1),
			zap.Int("total", len(pairs)),
			zap.Int("question_id", pair.ID),
			zap.Float64("sql_score", result.Scores.SQL),
			zap.Float64("combined", result.Scores.Combined),
			zap.Bool("correct", result.Correct),
			zap.Duration("response_time", result.ResponseTime),
		)
	}

	perf.Stats = Summarize(perf.Results)
	logger.Info("Evaluation completed",
		zap.String("agent", name),
		zap.Int("total", perf.Stats.Total),
		zap.Int("correct", perf.Stats.Correct),
		zap.Int("failures", perf.Stats.Failures),
		zap.Float64("success_rate", perf.Stats.SuccessRate),
	)
	return perf, nil
}

// RunAll evaluates several agents. In parallel mode the agents advance
// concurrently, sharing only the corpus, the column index and the judge.
// Whatever was evaluated is returned even when the run is interrupted.
func (e *Evaluator) RunAll(ctx context.Context, targets []Target, pairs []models.QAPair, parallel bool) ([]*models.AgentPerformance, error) {
	perfs := make([]*models.AgentPerformance, len(targets))

	if !parallel {
		for i, t := range targets {
			perf, err := e.Run(ctx, t, pairs)
			perfs[i] = perf
			if err != nil {
				return perfs, err
			}
		}
		return perfs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			perf, err := e.Run(gctx, t, pairs)
			perfs[i] = perf
			if err != nil {
				return fmt.Errorf("agent %s: %w", t.Driver.Agent().Name(), err)
			}
			return nil
		})
	}
	return perfs, g.Wait()
}

// EvaluatePair runs and scores a single question.
func (e *Evaluator) EvaluatePair(ctx context.Context, target Target, pair models.QAPair) models.EvaluationResult {
	name := target.Driver.Agent().Name()
	question := pair.Question(e.lang)
	reference := pair.Answer(e.lang)

	result := models.EvaluationResult{
		QuestionID:      pair.ID,
		Lang:            e.lang,
		Question:        question,
		ReferenceAnswer: reference,
		ReferenceSQL:    pair.SQL,
	}

	columns := ""
	if e.columns != nil {
		text, matches, err := e.columns.Context(ctx, question)
		if err != nil {
			logger.Warn("Column retrieval failed; continuing without catalogue",
				zap.Int("question_id", pair.ID),
				zap.Error(err),
			)
		} else {
			columns = text
			logger.Debug("Columns retrieved", zap.Int("question_id", pair.ID), zap.Int("matches", len(matches)))
		}
	}

	resp := target.Driver.Ask(ctx, question, agent.Context{
		Lang:       e.lang,
		Columns:    columns,
		Directives: agent.DefaultDirectives(e.lang),
	})
	result.Response = resp.AgentResponse
	result.ResponseTime = resp.Duration
	result.Attempts = resp.Attempts
	if resp.Err != nil {
		result.Error = resp.Err.Error()
		result.ErrorTransient = retry.IsTransient(resp.Err)
	}
	result.Refused = IsRefusal(resp.Answer)

	refResult := target.Reference.Execute(ctx, pair.SQL)
	if !refResult.Success {
		result.ReferenceError = refResult.Error
		logger.Warn("Reference query failed",
			zap.Int("question_id", pair.ID),
			zap.String("error", refResult.Error),
		)
	}

	agentResult := models.Failed("agent produced no query")
	if resp.SQL != "" {
		agentResult = target.Queries.ExecuteAgentQuery(ctx, resp.SQL)
	}
	if !agentResult.Success {
		result.AgentQueryError = agentResult.Error
	}

	scores := &result.Scores
	scores.QueryPresent = boolScore(resp.SQL != "")
	scores.ExecutionSuccess = boolScore(resp.SQL != "" && agentResult.Success)
	scores.ResultsMatch = ResultsMatch(refResult, agentResult)
	scores.SQL = SQLScore(scores.QueryPresent == 1, scores.ExecutionSuccess == 1, scores.ResultsMatch)

	if e.judge != nil {
		raw, err := e.judge.Score(ctx, question, reference, resp.Answer)
		if err != nil {
			logger.Warn("Judge failed; scoring it as 0", zap.Int("question_id", pair.ID), zap.Error(err))
		}
		scores.Judge = clamp01(raw / MaxJudgeScore)
	}

	lex, err := Lexical(reference, resp.Answer)
	scores.LexicalOK = err == nil
	scores.BLEU1, scores.BLEU2 = lex.BLEU1, lex.BLEU2
	scores.ROUGE1, scores.ROUGE2, scores.ROUGEL = lex.ROUGE1, lex.ROUGE2, lex.ROUGEL

	scores.Combined = CombinedScore(lex, scores.LexicalOK, scores.Judge)
	result.Correct = scores.Combined >= e.threshold

	scores.SequenceRespect = SequenceRespect(resp.Steps)
	scores.StepCount = len(resp.Steps)

	outcome := "incorrect"
	switch {
	case result.Failed():
		outcome = "failed"
	case result.Correct:
		outcome = "correct"
	}
	metrics.PairsEvaluated.WithLabelValues(name, outcome).Inc()
	metrics.ResponseTime.WithLabelValues(name).Observe(result.ResponseTime.Seconds())
	metrics.SQLScore.WithLabelValues(name).Observe(scores.SQL)
	metrics.CombinedScore.WithLabelValues(name).Observe(scores.Combined)

	return result
}

// Summarize aggregates per-question results. An empty slice yields zeros.
func Summarize(results []models.EvaluationResult) models.Stats {
	stats := models.Stats{Total: len(results)}
	if stats.Total == 0 {
		return stats
	}

	times := make([]time.Duration, 0, len(results))
	var total time.Duration
	var sql, judge, combined, bleu1, bleu2, rouge1, rouge2, rougeL, sequence, steps float64

	for _, r := range results {
		if r.Correct {
			stats.Correct++
		}
		if r.Failed() {
			stats.Failures++
		}
		times = append(times, r.ResponseTime)
		total += r.ResponseTime

		s := r.Scores
		sql += s.SQL
		judge += s.Judge
		combined += s.Combined
		bleu1 += s.BLEU1
		bleu2 += s.BLEU2
		rouge1 += s.ROUGE1
		rouge2 += s.ROUGE2
		rougeL += s.ROUGEL
		sequence += s.SequenceRespect
		steps += float64(s.StepCount)
	}

	n := float64(stats.Total)
	stats.SuccessRate = float64(stats.Correct) / n
	stats.FailureRate = float64(stats.Failures) / n
	stats.MeanResponseTime = total / time.Duration(stats.Total)
	stats.MedianResponseTime = median(times)
	stats.MeanSQL = sql / n
	stats.MeanJudge = judge / n
	stats.MeanCombined = combined / n
	stats.MeanBLEU1 = bleu1 / n
	stats.MeanBLEU2 = bleu2 / n
	stats.MeanROUGE1 = rouge1 / n
	stats.MeanROUGE2 = rouge2 / n
	stats.MeanROUGEL = rougeL / n
	stats.MeanSequence = sequence / n
	stats.MeanSteps = steps / n
	return stats
}

func median(times []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
