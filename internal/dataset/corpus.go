// Package dataset loads the reference question/answer/query corpus.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/config"
	"github.com/food-agent/backend/pkg/logger"
)

const corpusSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["questions", "answers", "sql"],
    "properties": {
      "questions": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "string"}},
      "answers":   {"type": "object", "additionalProperties": {"type": "string"}},
      "sql":       {"type": "string", "minLength": 1},
      "column":    {"type": ["string", "null"]}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("qa_pairs.schema.json", corpusSchema)
	})
	return schema, schemaErr
}

type record struct {
	Questions map[string]string `json:"questions"`
	Answers   map[string]string `json:"answers"`
	SQL       string            `json:"sql"`
	Column    string            `json:"column"`
}

// LoadCorpus reads the corpus file. Pairs keep file order and get 1-based ids.
// A missing or malformed file is a config error.
func LoadCorpus(path string) ([]models.QAPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, config.NewError(config.KindCorpus, "cannot read QA corpus", err)
	}

	pairs, err := ParseCorpus(data)
	if err != nil {
		return nil, config.NewError(config.KindCorpus, fmt.Sprintf("invalid QA corpus %s", path), err)
	}

	logger.Info("QA corpus loaded", zap.String("path", path), zap.Int("pairs", len(pairs)))
	return pairs, nil
}

func ParseCorpus(data []byte) ([]models.QAPair, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile corpus schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("corpus does not match schema: %w", err)
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode corpus: %w", err)
	}

	pairs := make([]models.QAPair, 0, len(records))
	for i, r := range records {
		pair := models.QAPair{
			ID:        i + 1,
			Questions: make(map[models.Lang]string, len(r.Questions)),
			Answers:   make(map[models.Lang]string, len(r.Answers)),
			SQL:       strings.TrimSpace(r.SQL),
			Column:    r.Column,
		}
		for lang, text := range r.Questions {
			pair.Questions[models.Lang(lang)] = text
		}
		for lang, text := range r.Answers {
			pair.Answers[models.Lang(lang)] = text
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// Limit returns at most n pairs; n <= 0 means all.
func Limit(pairs []models.QAPair, n int) []models.QAPair {
	if n <= 0 || n >= len(pairs) {
		return pairs
	}
	return pairs[:n]
}
