// Package builder loads the product snapshot into Neo4j so the graph agent
// has something to query. Products become nodes linked to their brands,
// categories and countries.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/storage/snapshot"
	"github.com/food-agent/backend/pkg/logger"
)

const DefaultBatchSize = 500

// Source reads rows from the snapshot.
type Source interface {
	Execute(ctx context.Context, query string) models.QueryResult
}

// Graph accepts write statements.
type Graph interface {
	Write(ctx context.Context, query string, params map[string]any) error
}

// Mapping names the snapshot columns feeding each graph property. An empty
// name loads nothing for that property.
type Mapping struct {
	Code       string
	Name       string
	Brands     string
	Grade      string
	Nova       string
	Categories string
	Countries  string
}

func DefaultMapping() Mapping {
	return Mapping{
		Code:       "code",
		Name:       "product_name",
		Brands:     "brands",
		Grade:      "nutriscore_grade",
		Nova:       "nova_group",
		Categories: "categories_tags",
		Countries:  "countries_tags",
	}
}

var constraints = []string{
	"CREATE CONSTRAINT product_code IF NOT EXISTS FOR (p:Product) REQUIRE p.code IS UNIQUE",
	"CREATE CONSTRAINT brand_name IF NOT EXISTS FOR (b:Brand) REQUIRE b.name IS UNIQUE",
	"CREATE CONSTRAINT category_tag IF NOT EXISTS FOR (c:Category) REQUIRE c.tag IS UNIQUE",
	"CREATE CONSTRAINT country_tag IF NOT EXISTS FOR (k:Country) REQUIRE k.tag IS UNIQUE",
}

const upsertProducts = `UNWIND $rows AS row
MERGE (p:Product {code: row.code})
SET p.name = row.name, p.nutriscore_grade = row.grade, p.nova_group = row.nova
FOREACH (brand IN row.brands | MERGE (b:Brand {name: brand}) MERGE (p)-[:MADE_BY]->(b))
FOREACH (tag IN row.categories | MERGE (c:Category {tag: tag}) MERGE (p)-[:IN_CATEGORY]->(c))
FOREACH (tag IN row.countries | MERGE (k:Country {tag: tag}) MERGE (p)-[:SOLD_IN]->(k))`

type Builder struct {
	source    Source
	graph     Graph
	mapping   Mapping
	batchSize int
}

// Stats counts what a load wrote. Entity counts are distinct values.
type Stats struct {
	Products   int
	Brands     int
	Categories int
	Countries  int
}

func NewBuilder(source Source, graph Graph, mapping Mapping, batchSize int) *Builder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Builder{
		source:    source,
		graph:     graph,
		mapping:   mapping,
		batchSize: batchSize,
	}
}

func (b *Builder) InitializeConstraints(ctx context.Context) error {
	for _, stmt := range constraints {
		if err := b.graph.Write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	logger.Info("Graph constraints initialized", zap.Int("count", len(constraints)))
	return nil
}

// Build copies up to limit products (0 means all) into the graph in
// batches. Loading is idempotent: every write is a MERGE.
func (b *Builder) Build(ctx context.Context, limit int) (Stats, error) {
	if b.mapping.Code == "" {
		return Stats{}, fmt.Errorf("mapping has no product code column")
	}
	if err := b.InitializeConstraints(ctx); err != nil {
		return Stats{}, err
	}

	var stats Stats
	seen := map[string]map[string]bool{
		"brands":     {},
		"categories": {},
		"countries":  {},
	}

	for offset := 0; limit <= 0 || offset < limit; offset += b.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		size := b.batchSize
		if limit > 0 {
			size = min(size, limit-offset)
		}

		res := b.source.Execute(ctx, b.selectQuery(size, offset))
		if !res.Success {
			return stats, fmt.Errorf("failed to read products: %s", res.Error)
		}
		if len(res.Rows) == 0 {
			break
		}

		rows := make([]map[string]any, 0, len(res.Rows))
		for _, r := range res.Rows {
			p := toProduct(r)
			if p.code == "" {
				continue
			}
			countNew(seen["brands"], p.brands, &stats.Brands)
			countNew(seen["categories"], p.categories, &stats.Categories)
			countNew(seen["countries"], p.countries, &stats.Countries)
			rows = append(rows, p.params())
		}

		if len(rows) > 0 {
			if err := b.graph.Write(ctx, upsertProducts, map[string]any{"rows": rows}); err != nil {
				return stats, fmt.Errorf("failed to write products at offset %d: %w", offset, err)
			}
		}
		stats.Products += len(rows)

		logger.Info("Product batch loaded",
			zap.Int("offset", offset),
			zap.Int("products", len(rows)),
		)

		if len(res.Rows) < size {
			break
		}
	}

	logger.Info("Graph built from snapshot",
		zap.Int("products", stats.Products),
		zap.Int("brands", stats.Brands),
		zap.Int("categories", stats.Categories),
		zap.Int("countries", stats.Countries),
	)
	return stats, nil
}

func (b *Builder) selectQuery(limit, offset int) string {
	m := b.mapping
	cols := []string{
		column(m.Code), column(m.Name), column(m.Brands), column(m.Grade),
		column(m.Nova), column(m.Categories), column(m.Countries),
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d OFFSET %d",
		strings.Join(cols, ", "), snapshot.Table, quote(m.Code), limit, offset)
}

func column(name string) string {
	if name == "" {
		return "NULL"
	}
	return quote(name)
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type product struct {
	code       string
	name       string
	grade      string
	nova       string
	brands     []string
	categories []string
	countries  []string
}

func toProduct(row []string) product {
	cell := func(i int) string {
		if i >= len(row) {
			return ""
		}
		return clean(row[i])
	}
	return product{
		code:       cell(0),
		name:       parseName(cell(1)),
		brands:     parseList(cell(2)),
		grade:      strings.ToLower(cell(3)),
		nova:       cell(4),
		categories: parseList(cell(5)),
		countries:  parseList(cell(6)),
	}
}

func (p product) params() map[string]any {
	return map[string]any{
		"code":       p.code,
		"name":       p.name,
		"grade":      p.grade,
		"nova":       p.nova,
		"brands":     p.brands,
		"categories": p.categories,
		"countries":  p.countries,
	}
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "NULL" {
		return ""
	}
	return s
}

// parseList accepts a JSON string array or a comma-separated list.
func parseList(s string) []string {
	if s == "" {
		return []string{}
	}
	var items []string
	if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &items) == nil {
		return dedupe(items)
	}
	return dedupe(strings.Split(s, ","))
}

// parseName takes the main-language entry of a localised name list, or the
// first non-empty one.
func parseName(s string) string {
	if !strings.HasPrefix(s, "[") {
		return s
	}
	var names []struct {
		Lang string `json:"lang"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(s), &names); err != nil {
		return s
	}
	first := ""
	for _, n := range names {
		if n.Lang == "main" && n.Text != "" {
			return n.Text
		}
		if first == "" {
			first = n.Text
		}
	}
	return first
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func countNew(seen map[string]bool, items []string, n *int) {
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			*n++
		}
	}
}
