// Package app assembles the harness components from configuration. Both
// the evaluation CLI and the API server start from here.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/agent"
	redisCache "github.com/food-agent/backend/internal/cache/redis"
	"github.com/food-agent/backend/internal/embedding"
	"github.com/food-agent/backend/internal/evaluation"
	"github.com/food-agent/backend/internal/kg/neo4j"
	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/retrieval"
	"github.com/food-agent/backend/internal/search/web"
	"github.com/food-agent/backend/internal/storage/snapshot"
	"github.com/food-agent/backend/pkg/config"
	"github.com/food-agent/backend/pkg/logger"
	"github.com/food-agent/backend/pkg/retry"
)

const (
	AgentSQL   = "sql"
	AgentGraph = "graph"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// App holds the shared, read-only components of a run.
type App struct {
	Config    *config.Config
	Catalog   []models.ColumnMetadata
	Embedder  embedding.Embedder
	Index     *retrieval.Index
	Retriever *retrieval.Retriever
	Completer llm.Completer
	Cache     *redisCache.Client
	Web       *web.Client
	Graph     *neo4j.Client
}

// RetryConfig maps the configured policy onto pkg/retry.
func RetryConfig(cfg config.RetryConfig) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.MaxRetries
	if cfg.InitialDelay > 0 {
		rc.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		rc.MaxDelay = cfg.MaxDelay
	}
	rc.JitterFraction = cfg.Jitter
	rc.Logger = logger.GetLogger()
	return rc
}

// NewDriver wraps an agent in the configured retry policy.
func NewDriver(ag agent.Agent, cfg config.RetryConfig) *agent.Driver {
	return agent.NewDriver(ag, RetryConfig(cfg))
}

// NewEmbedder builds the configured embedder, cached in redis when a cache
// is given.
func NewEmbedder(cfg *config.Config, cache *redisCache.Client) (embedding.Embedder, error) {
	key := cfg.LLM.OpenAIAPIKey
	baseURL := cfg.Embedding.BaseURL
	if key == "" {
		if baseURL == "" || strings.HasPrefix(baseURL, defaultOpenAIBaseURL) {
			return nil, config.NewError(config.KindEmbedding,
				fmt.Sprintf("embedding model %s needs OPENAI_API_KEY", cfg.Embedding.Model), nil)
		}
		// local OpenAI-compatible servers ignore the key
		key = "local"
	}

	var e embedding.Embedder = embedding.NewOpenAIEmbedder(key, baseURL, cfg.Embedding.Model, cfg.Embedding.Dimension)
	if cache != nil {
		e = embedding.NewCached(e, cache)
	}
	return e, nil
}

// BuildIndex loads the catalogue and the column index, rebuilding the cache
// when it is missing or stale. Rebuild failures are fatal.
func BuildIndex(ctx context.Context, cfg *config.Config, embedder embedding.Embedder) ([]models.ColumnMetadata, *retrieval.Index, error) {
	catalog, err := retrieval.LoadCatalog(cfg.Resolve(cfg.Paths.Catalogue))
	if err != nil {
		return nil, nil, err
	}
	index, err := retrieval.LoadOrBuild(ctx, cfg.Resolve(cfg.Paths.IndexCache), catalog, embedder, cfg.Embedding.MaxExampleBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("column index: %w", err)
	}
	return catalog, index, nil
}

// New connects every configured component. Optional backends (redis,
// neo4j) that fail to connect are logged and left out.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	if cfg.Redis.Enabled {
		cache, err := redisCache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			logger.Warn("Redis unavailable; running without cache", zap.Error(err))
		} else {
			a.Cache = cache
		}
	}

	embedder, err := NewEmbedder(cfg, a.Cache)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Embedder = embedder

	a.Catalog, a.Index, err = BuildIndex(ctx, cfg, embedder)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Retriever = retrieval.NewRetriever(a.Index, embedder, cfg.Retrieval.TopK, cfg.Retrieval.Threshold)

	a.Completer, err = llm.New(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Web.Enabled {
		a.Web = web.NewClient(cfg.Web.BaseURL, cfg.Web.Pages, cfg.Web.MaxPages)
	}

	if cfg.Neo4j.Enabled {
		graph, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, cfg.Query.MaxLimit)
		if err != nil {
			logger.Warn("Neo4j unavailable; graph agent disabled", zap.Error(err))
		} else {
			a.Graph = graph
		}
	}

	return a, nil
}

func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.Graph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Graph.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j", zap.Error(err))
		}
	}
}

func (a *App) webSearcher() agent.WebSearcher {
	if a.Web == nil {
		return nil
	}
	return a.Web
}

// OpenSnapshot opens a fresh accessor; accessors are never shared.
func (a *App) OpenSnapshot() (*snapshot.Accessor, error) {
	acc, err := snapshot.Open(a.Config.Resolve(a.Config.Paths.Snapshot), snapshot.Policy{MaxLimit: a.Config.Query.MaxLimit})
	if err != nil {
		return nil, config.NewError(config.KindSnapshot, "cannot open snapshot", err)
	}
	return acc, nil
}

// SQLAgent builds the snapshot agent over its own accessor.
func (a *App) SQLAgent() (*agent.SQLAgent, *snapshot.Accessor, error) {
	acc, err := a.OpenSnapshot()
	if err != nil {
		return nil, nil, err
	}
	return agent.NewSQLAgent(a.Completer, acc, a.webSearcher(), a.Config.Query.MaxLimit, a.Config.LLM.MaxIterations), acc, nil
}

// Targets builds one evaluation target per agent name. Each target owns its
// snapshot accessors; the returned closer releases them.
func (a *App) Targets(ctx context.Context, names []string) ([]evaluation.Target, func(), error) {
	var accessors []*snapshot.Accessor
	closeAll := func() {
		for _, acc := range accessors {
			acc.Close()
		}
	}
	open := func() (*snapshot.Accessor, error) {
		acc, err := a.OpenSnapshot()
		if err == nil {
			accessors = append(accessors, acc)
		}
		return acc, err
	}

	var targets []evaluation.Target
	for _, name := range names {
		reference, err := open()
		if err != nil {
			closeAll()
			return nil, nil, err
		}

		var ag agent.Agent
		var queries agent.QueryRunner
		switch strings.TrimSpace(name) {
		case AgentSQL:
			acc, err := open()
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			ag = agent.NewSQLAgent(a.Completer, acc, a.webSearcher(), a.Config.Query.MaxLimit, a.Config.LLM.MaxIterations)
			queries = acc
		case AgentGraph:
			if a.Graph == nil {
				closeAll()
				return nil, nil, config.NewError(config.KindInvalid, "graph agent requested but neo4j is not enabled or unreachable", nil)
			}
			schema, err := a.Graph.Schema(ctx)
			if err != nil {
				logger.Warn("Could not read graph schema", zap.Error(err))
			}
			ag = agent.NewGraphAgent(a.Completer, a.Graph, a.webSearcher(), schema, a.Config.Query.MaxLimit, a.Config.LLM.MaxIterations)
			queries = a.Graph
		default:
			closeAll()
			return nil, nil, config.NewError(config.KindInvalid, fmt.Sprintf("unknown agent %q (want sql or graph)", name), nil)
		}

		targets = append(targets, evaluation.Target{
			Driver:    NewDriver(ag, a.Config.Retry),
			Model:     a.Completer.Model(),
			Queries:   queries,
			Reference: reference,
		})
	}
	return targets, closeAll, nil
}
