// Package neo4j executes read-only Cypher against the product graph, the
// second data backend the graph agent answers from.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/storage/snapshot"
	"github.com/food-agent/backend/pkg/circuitbreaker"
	"github.com/food-agent/backend/pkg/logger"
)

type Client struct {
	driver   neo4j.DriverWithContext
	database string
	maxLimit int
	timeout  time.Duration
	cb       *circuitbreaker.CircuitBreaker
}

func NewClient(uri, username, password, database string, maxLimit int) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		FailureThreshold: 5,
		OpenTimeout:      20 * time.Second,
		// Server-side query errors say nothing about backend health.
		IsFailure: func(err error) bool {
			var neoErr *neo4j.Neo4jError
			return err != nil && !errors.As(err, &neoErr)
		},
		Logger: logger.GetLogger(),
	})

	if maxLimit <= 0 {
		maxLimit = snapshot.DefaultMaxLimit
	}
	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:   driver,
		database: database,
		maxLimit: maxLimit,
		timeout:  30 * time.Second,
		cb:       cb,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) read(ctx context.Context, query string, fn func(neo4j.ResultWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: c.database,
			AccessMode:   neo4j.AccessModeRead,
		})
		defer session.Close(ctx)

		_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, query, nil)
			if err != nil {
				return nil, err
			}
			return nil, fn(result)
		})
		return err
	})
}

// Write runs a parameterised statement in a write transaction. Only the
// graph loader writes; agent queries always go through read sessions.
func (c *Client) Write(ctx context.Context, query string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{
			DatabaseName: c.database,
			AccessMode:   neo4j.AccessModeWrite,
		})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			return result.Consume(ctx)
		})
		return err
	})
}

// Execute runs query in a read transaction without policy checks. Errors
// are reported in the result.
func (c *Client) Execute(ctx context.Context, query string) models.QueryResult {
	result := models.QueryResult{Success: true, Rows: [][]string{}}

	err := c.read(ctx, query, func(res neo4j.ResultWithContext) error {
		keys, err := res.Keys()
		if err != nil {
			return err
		}
		result.Columns = keys
		for res.Next(ctx) {
			values := res.Record().Values
			row := make([]string, len(values))
			for i, v := range values {
				row[i] = stringify(v)
			}
			result.Rows = append(result.Rows, row)
		}
		return res.Err()
	})
	if err != nil {
		logger.Debug("Graph query failed", zap.Error(err))
		return models.Failed(err.Error())
	}
	return result
}

// Validate applies CheckCypher and then asks the server to plan the query.
func (c *Client) Validate(ctx context.Context, query string) (bool, string) {
	if reason := CheckCypher(query, c.maxLimit); reason != "" {
		metrics.QueryRejections.WithLabelValues("cypher_policy").Inc()
		return false, reason
	}

	err := c.read(ctx, "EXPLAIN "+query, func(res neo4j.ResultWithContext) error {
		_, err := res.Consume(ctx)
		return err
	})
	if err != nil {
		metrics.QueryRejections.WithLabelValues("cypher_parse").Inc()
		return false, fmt.Sprintf("query does not parse: %v", err)
	}
	return true, ""
}

func (c *Client) ExecuteAgentQuery(ctx context.Context, query string) models.QueryResult {
	if ok, reason := c.Validate(ctx, query); !ok {
		logger.Info("Agent graph query rejected", zap.String("reason", reason))
		return models.Failed(reason)
	}
	return c.Execute(ctx, query)
}

// Schema lists node labels and relationship types for the agent prompt.
func (c *Client) Schema(ctx context.Context) (string, error) {
	labels := c.Execute(ctx, "CALL db.labels() YIELD label RETURN label ORDER BY label")
	if !labels.Success {
		return "", fmt.Errorf("failed to list labels: %s", labels.Error)
	}
	rels := c.Execute(ctx, "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType ORDER BY relationshipType")
	if !rels.Success {
		return "", fmt.Errorf("failed to list relationship types: %s", rels.Error)
	}

	var b strings.Builder
	b.WriteString("Node labels: ")
	b.WriteString(strings.Join(firstColumn(labels), ", "))
	b.WriteString("\nRelationship types: ")
	b.WriteString(strings.Join(firstColumn(rels), ", "))
	return b.String(), nil
}

func firstColumn(r models.QueryResult) []string {
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if len(row) > 0 {
			out = append(out, row[0])
		}
	}
	return out
}

// stringify reduces graph values to the same canonical text as snapshot
// cells; nodes, relationships and collections become compact JSON.
func stringify(v any) string {
	switch x := v.(type) {
	case neo4j.Node:
		return toJSON(map[string]any{"labels": x.Labels, "props": x.Props})
	case neo4j.Relationship:
		return toJSON(map[string]any{"type": x.Type, "props": x.Props})
	case []any, map[string]any:
		return toJSON(x)
	default:
		return snapshot.Stringify(v)
	}
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
