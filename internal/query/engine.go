// Package query answers single questions outside an evaluation run. It is
// the service behind the HTTP API.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/agent"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/retrieval"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/utils"
)

// Request errors; handlers map them to 400.
var (
	ErrEmptyQuestion   = errors.New("question is required")
	ErrUnsupportedLang = errors.New("unsupported language")
)

// Columns is the slice of the retriever the engine needs.
type Columns interface {
	Context(ctx context.Context, question string) (string, []retrieval.Match, error)
	Search(ctx context.Context, question string, k int) ([]retrieval.Match, error)
}

// AnswerCache stores answers keyed by a question hash.
type AnswerCache interface {
	GetAnswer(ctx context.Context, questionHash string, answer any) (bool, error)
	SetAnswer(ctx context.Context, questionHash string, answer any) error
}

type Engine struct {
	columns     Columns
	driver      *agent.Driver
	cache       AnswerCache
	model       string
	defaultLang models.Lang

	// mu serialises agent runs; the snapshot accessor behind the SQL agent
	// is not safe for concurrent use.
	mu sync.Mutex
}

type QueryRequest struct {
	Question string
	Lang     string
}

type Step struct {
	Ordinal     int    `json:"ordinal"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Query       string `json:"query,omitempty"`
	Success     bool   `json:"success"`
}

type Column struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

type QueryResponse struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Lang      string   `json:"lang"`
	Answer    string   `json:"answer"`
	Source    string   `json:"source,omitempty"`
	SQL       string   `json:"sql,omitempty"`
	Steps     []Step   `json:"steps"`
	Columns   []Column `json:"columns"`
	Attempts  int      `json:"attempts"`
	LatencyMS int      `json:"latency_ms"`
	Cached    bool     `json:"cached"`
}

// NewEngine wires an engine. cache may be nil.
func NewEngine(columns Columns, driver *agent.Driver, cache AnswerCache, model string, defaultLang models.Lang) *Engine {
	if defaultLang == "" {
		defaultLang = models.LangFR
	}
	return &Engine{
		columns:     columns,
		driver:      driver,
		cache:       cache,
		model:       model,
		defaultLang: defaultLang,
	}
}

func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	startTime := time.Now()
	queryID := uuid.New().String()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	lang := e.defaultLang
	if req.Lang != "" {
		l, err := models.ParseLang(req.Lang)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedLang, req.Lang)
		}
		lang = l
	}

	logger.Info("Processing query",
		zap.String("query_id", queryID),
		zap.String("lang", string(lang)),
		zap.String("question", question),
	)

	key := utils.HashText(e.model, string(lang), question)
	if cached, ok := e.lookup(ctx, key); ok {
		metrics.QueryTotal.WithLabelValues("cached").Inc()
		cached.ID = queryID
		cached.Cached = true
		cached.LatencyMS = int(time.Since(startTime).Milliseconds())
		return cached, nil
	}

	columnText := ""
	var matches []retrieval.Match
	if e.columns != nil {
		text, m, err := e.columns.Context(ctx, question)
		if err != nil {
			logger.Warn("Column retrieval failed", zap.String("query_id", queryID), zap.Error(err))
		} else {
			columnText, matches = text, m
		}
	}

	name := e.driver.Agent().Name()
	e.mu.Lock()
	resp := e.driver.Ask(ctx, question, agent.Context{
		Lang:       lang,
		Columns:    columnText,
		Directives: agent.DefaultDirectives(lang),
	})
	e.mu.Unlock()
	metrics.QueryDuration.WithLabelValues(name).Observe(resp.Duration.Seconds())
	if resp.Err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("agent %s failed: %w", name, resp.Err)
	}

	out := &QueryResponse{
		ID:       queryID,
		Question: question,
		Lang:     string(lang),
		Answer:   resp.Answer,
		Source:   resp.Source,
		SQL:      resp.SQL,
		Steps:    make([]Step, 0, len(resp.Steps)),
		Columns:  toColumns(matches),
		Attempts: resp.Attempts,
	}
	for _, s := range resp.Steps {
		out.Steps = append(out.Steps, Step{
			Ordinal:     s.Ordinal,
			Action:      s.Action.String(),
			Description: s.Description,
			Query:       s.Query,
			Success:     s.Success,
		})
	}

	if e.cache != nil {
		if err := e.cache.SetAnswer(ctx, key, out); err != nil {
			logger.Warn("Failed to cache answer", zap.String("query_id", queryID), zap.Error(err))
		}
	}

	metrics.QueryTotal.WithLabelValues("success").Inc()
	out.LatencyMS = int(time.Since(startTime).Milliseconds())
	logger.Info("Query processed successfully",
		zap.String("query_id", queryID),
		zap.Int("steps", len(out.Steps)),
		zap.Int("attempts", out.Attempts),
		zap.Int("latency_ms", out.LatencyMS),
	)
	return out, nil
}

// SearchColumns ranks catalogue columns for a question.
func (e *Engine) SearchColumns(ctx context.Context, question string, k int) ([]Column, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if e.columns == nil {
		return []Column{}, nil
	}
	matches, err := e.columns.Search(ctx, question, k)
	if err != nil {
		return nil, err
	}
	return toColumns(matches), nil
}

func (e *Engine) lookup(ctx context.Context, key string) (*QueryResponse, bool) {
	if e.cache == nil {
		return nil, false
	}
	var cached QueryResponse
	hit, err := e.cache.GetAnswer(ctx, key, &cached)
	if err != nil {
		logger.Warn("Answer cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !hit {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("answer").Inc()
	return &cached, true
}

func toColumns(matches []retrieval.Match) []Column {
	cols := make([]Column, 0, len(matches))
	for _, m := range matches {
		cols = append(cols, Column{
			Name:        m.Column.Name,
			Type:        m.Column.Type,
			Description: m.Column.Description,
			Score:       m.Score,
		})
	}
	return cols
}
