package llm

import (
	"fmt"
	"sort"
)

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// ModelSpec binds a short identifier accepted on the command line to a
// provider and the name that provider expects.
type ModelSpec struct {
	ID       string
	Provider Provider
	Name     string
}

var registry = map[string]ModelSpec{
	"gpt-4o-mini":       {ID: "gpt-4o-mini", Provider: ProviderOpenAI, Name: "gpt-4o-mini"},
	"gpt-4o":            {ID: "gpt-4o", Provider: ProviderOpenAI, Name: "gpt-4o"},
	"claude-sonnet-4-5": {ID: "claude-sonnet-4-5", Provider: ProviderAnthropic, Name: "claude-sonnet-4-5-20250929"},
	"claude-3-5-haiku":  {ID: "claude-3-5-haiku", Provider: ProviderAnthropic, Name: "claude-3-5-haiku-20241022"},
	"llama3.1":          {ID: "llama3.1", Provider: ProviderOllama, Name: "llama3.1"},
}

// Lookup resolves a model identifier from the closed set.
func Lookup(id string) (ModelSpec, error) {
	if id == "" {
		id = DefaultModel
	}
	spec, ok := registry[id]
	if !ok {
		return ModelSpec{}, fmt.Errorf("unknown model %q (supported: %v)", id, Models())
	}
	return spec, nil
}

// Models lists the supported identifiers in sorted order.
func Models() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
