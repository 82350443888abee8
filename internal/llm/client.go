package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/food-agent/backend/pkg/config"
	"github.com/food-agent/backend/pkg/logger"
)

// Completer is a single chat completion against some provider. Retrying is
// the caller's business; errors come back classified as *Error.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Model() string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// CompletionRequest carries either a single UserPrompt or a full Messages
// history. Messages wins when both are set.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Messages     []Message
	Temperature  float32
	MaxTokens    int
}

func (r CompletionRequest) conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: RoleUser, Content: r.UserPrompt}}
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// New builds the Completer for a registry identifier.
func New(cfg config.LLMConfig) (Completer, error) {
	spec, err := Lookup(cfg.Model)
	if err != nil {
		return nil, config.NewError(config.KindModel, "unsupported model", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch spec.Provider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, config.NewError(config.KindModel, "OPENAI_API_KEY is not set", nil)
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, spec.Name, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case ProviderOllama:
		return NewOpenAIClient("ollama", cfg.OllamaBaseURL, spec.Name, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, config.NewError(config.KindModel, "ANTHROPIC_API_KEY is not set", nil)
		}
		return NewAnthropicClient(cfg.AnthropicAPIKey, spec.Name, cfg.MaxTokens, timeout), nil
	}
	return nil, config.NewError(config.KindModel, fmt.Sprintf("no provider for %s", spec.ID), nil)
}

// OpenAIClient talks to any OpenAI-compatible chat endpoint, Ollama included.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func NewOpenAIClient(apiKey, baseURL, model string, temperature float32, maxTokens int, timeout time.Duration) *OpenAIClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "openai-compatible"),
		zap.String("model", model),
		zap.String("base_url", clientCfg.BaseURL),
	)

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
	}
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.conversation() {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, ClassifyError(err, c.model)
	}
	if len(resp.Choices) == 0 {
		e := NewError(KindEmpty, "no choices returned", false, nil)
		e.Model = c.model
		return nil, e
	}

	logger.Debug("LLM completion generated",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return &CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
