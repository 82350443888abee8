package retrieval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/config"
)

// CatalogTable is the table whose columns are indexed.
const CatalogTable = "products"

const catalogSchema = `{
  "type": "object",
  "required": ["tables"],
  "properties": {
    "tables": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["columns"],
        "properties": {
          "columns": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "properties": {
                "type": {"type": "string"},
                "description": {"type": "string"},
                "examples": {"type": "array"},
                "common_queries": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "properties": {
                      "description": {"type": "string"},
                      "sql": {"type": "string"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

type columnDoc struct {
	Type          string                `json:"type"`
	Description   string                `json:"description"`
	Examples      []json.RawMessage     `json:"examples"`
	CommonQueries []models.QueryExample `json:"common_queries"`
}

// LoadCatalog reads columns_documentation.json. Columns keep document order,
// which is also the row order of the index.
func LoadCatalog(path string) ([]models.ColumnMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, config.NewError(config.KindCatalogue, "cannot read column documentation", err)
	}
	columns, err := ParseCatalog(data)
	if err != nil {
		return nil, config.NewError(config.KindCatalogue, fmt.Sprintf("invalid column documentation %s", path), err)
	}
	return columns, nil
}

func ParseCatalog(data []byte) ([]models.ColumnMetadata, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	schema, err := jsonschema.CompileString("columns_documentation.schema.json", catalogSchema)
	if err != nil {
		return nil, fmt.Errorf("compile catalogue schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("catalogue does not match schema: %w", err)
	}

	var top struct {
		Tables map[string]struct {
			Columns json.RawMessage `json:"columns"`
		} `json:"tables"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	table, ok := top.Tables[CatalogTable]
	if !ok {
		return nil, fmt.Errorf("catalogue has no %q table", CatalogTable)
	}

	return decodeColumns(table.Columns)
}

// decodeColumns walks the columns object token by token so that the
// resulting slice follows document order.
func decodeColumns(raw json.RawMessage) ([]models.ColumnMetadata, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("columns must be an object")
	}

	var columns []models.ColumnMetadata
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read column name: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}

		var doc columnDoc
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode column %s: %w", name, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate column %s", name)
		}
		seen[name] = true

		col := models.ColumnMetadata{
			Name:          name,
			Type:          doc.Type,
			Description:   doc.Description,
			Examples:      make([]string, 0, len(doc.Examples)),
			CommonQueries: doc.CommonQueries,
		}
		for _, ex := range doc.Examples {
			col.Examples = append(col.Examples, exampleText(ex))
		}
		columns = append(columns, col)
	}
	return columns, nil
}

func exampleText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// IndexText is the text embedded for a column. The example list is cut
// once it passes maxExampleBytes.
func IndexText(col models.ColumnMetadata, maxExampleBytes int) string {
	examples := strings.Join(col.Examples, ", ")
	if maxExampleBytes > 0 && len(examples) > maxExampleBytes {
		cut := maxExampleBytes
		for cut > 0 && !utf8.RuneStart(examples[cut]) {
			cut--
		}
		examples = examples[:cut] + "..."
	}
	return fmt.Sprintf("Column %s (%s): %s. Examples: %s", col.Name, col.Type, strings.TrimSuffix(col.Description, "."), examples)
}
