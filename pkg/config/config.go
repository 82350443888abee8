package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Root       string
	Paths      PathsConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Query      QueryConfig
	Evaluation EvaluationConfig
	Retry      RetryConfig
	Neo4j      Neo4jConfig
	Redis      RedisConfig
	Web        WebConfig
	Server     ServerConfig
	Logging    LoggingConfig
}

type PathsConfig struct {
	Snapshot       string
	Catalogue      string
	Corpus         string
	IndexCache     string
	Logs           string
	Reports        string
	Visualizations string
}

type LLMConfig struct {
	Model           string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	OpenAIBaseURL   string
	OllamaBaseURL   string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	MaxIterations   int
}

type EmbeddingConfig struct {
	Model           string
	Dimension       int
	BaseURL         string
	MaxExampleBytes int
}

type RetrievalConfig struct {
	TopK      int
	Threshold float64
}

type QueryConfig struct {
	MaxLimit int
}

type EvaluationConfig struct {
	Threshold      float64
	Lang           string
	Plots          bool
	ParallelAgents bool
	Agents         []string
}

type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

type WebConfig struct {
	Enabled  bool
	BaseURL  string
	Pages    []string
	MaxPages int
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RateLimit         int
	AllowOrigins      string
	HSTS              bool
	MaxQuestionLength int
}

type LoggingConfig struct {
	Level string
}

// ErrorKind classifies startup configuration failures.
type ErrorKind string

const (
	KindSnapshot  ErrorKind = "snapshot"
	KindCorpus    ErrorKind = "corpus"
	KindCatalogue ErrorKind = "catalogue"
	KindEmbedding ErrorKind = "embedding-model"
	KindModel     ErrorKind = "llm-model"
	KindInvalid   ErrorKind = "invalid"
)

// Error is a config-error: fatal at startup, raised before the first pair.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("config error (%s): %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsConfigError reports whether err is (or wraps) a config-error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads config.yaml (optional) from configFile or the default search
// paths, then FOODQA_* environment overrides.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("FOODQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("llm.openaiAPIKey", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.anthropicAPIKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("neo4j.password", "NEO4J_PASSWORD", "FOODQA_NEO4J_PASSWORD")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configFile == "" && os.IsNotExist(err)) {
			return nil, NewError(KindInvalid, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, NewError(KindInvalid, "failed to unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges; file existence is checked by CheckInputs.
func (c *Config) Validate() error {
	switch {
	case c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1:
		return NewError(KindInvalid, "retrieval.threshold must be in [0,1]", nil)
	case c.Evaluation.Threshold < 0 || c.Evaluation.Threshold > 1:
		return NewError(KindInvalid, "evaluation.threshold must be in [0,1]", nil)
	case c.Query.MaxLimit <= 0:
		return NewError(KindInvalid, "query.maxLimit must be positive", nil)
	case c.Embedding.Dimension <= 0:
		return NewError(KindEmbedding, "embedding.dimension must be positive", nil)
	case c.Embedding.Model == "":
		return NewError(KindEmbedding, "embedding.model is required", nil)
	}
	return nil
}

// Resolve joins a relative path onto the configured root.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}

// CheckInputs verifies the on-disk artifacts the harness consumes. With
// kinds given, only those artifacts are checked.
func (c *Config) CheckInputs(kinds ...ErrorKind) error {
	checks := []struct {
		kind ErrorKind
		path string
	}{
		{KindSnapshot, c.Resolve(c.Paths.Snapshot)},
		{KindCorpus, c.Resolve(c.Paths.Corpus)},
		{KindCatalogue, c.Resolve(c.Paths.Catalogue)},
	}
	for _, check := range checks {
		if len(kinds) > 0 && !slices.Contains(kinds, check.kind) {
			continue
		}
		if _, err := os.Stat(check.path); err != nil {
			return NewError(check.kind, fmt.Sprintf("missing %s at %s", check.kind, check.path), err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")

	v.SetDefault("paths.snapshot", "data/products.db")
	v.SetDefault("paths.catalogue", "data/columns_documentation.json")
	v.SetDefault("paths.corpus", "data/qa_pairs.json")
	v.SetDefault("paths.indexCache", "cache/column_index")
	v.SetDefault("paths.logs", "logs")
	v.SetDefault("paths.reports", "reports")
	v.SetDefault("paths.visualizations", "visualizations")

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.openaiBaseURL", "https://api.openai.com/v1")
	v.SetDefault("llm.ollamaBaseURL", "http://localhost:11434/v1")
	v.SetDefault("llm.maxIterations", 6)

	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.baseURL", "https://api.openai.com/v1")
	v.SetDefault("embedding.maxExampleBytes", 200)

	v.SetDefault("retrieval.topK", 8)
	v.SetDefault("retrieval.threshold", 0.5)

	v.SetDefault("query.maxLimit", 100)

	v.SetDefault("evaluation.threshold", 0.4)
	v.SetDefault("evaluation.lang", "fr")
	v.SetDefault("evaluation.plots", true)
	v.SetDefault("evaluation.parallelAgents", false)
	v.SetDefault("evaluation.agents", []string{"sql"})

	v.SetDefault("retry.maxRetries", 5)
	v.SetDefault("retry.initialDelay", time.Second)
	v.SetDefault("retry.maxDelay", 60*time.Second)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 7*24*time.Hour)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.baseURL", "https://food-guide.canada.ca")
	v.SetDefault("web.pages", []string{
		"/en/healthy-eating-recommendations/",
		"/fr/recommandations-en-matiere-dalimentation-saine/",
	})
	v.SetDefault("web.maxPages", 4)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 64*1024)
	v.SetDefault("server.rateLimit", 30)
	v.SetDefault("server.allowOrigins", "*")
	v.SetDefault("server.hsts", false)
	v.SetDefault("server.maxQuestionLength", 1000)

	v.SetDefault("logging.level", "info")
}
