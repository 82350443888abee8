// Package snapshot executes read-only queries against the columnar product
// snapshot: a single-table SQLite file whose nested columns (names,
// nutrients, tag lists) are stored as JSON text.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/logger"
)

// Table is the only table a snapshot carries.
const Table = "products"

// Accessor owns one connection to the snapshot. It is not safe for
// concurrent use; parallel workers each open their own.
type Accessor struct {
	db      *sql.DB
	policy  Policy
	timeout time.Duration
}

// Open opens the snapshot file read-only and checks it carries the products table.
func Open(path string, policy Policy) (*Accessor, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=true", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)

	a := New(db, policy)
	if err := a.checkTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Snapshot opened", zap.String("path", path), zap.Int("max_limit", policy.MaxLimit))
	return a, nil
}

// New wraps an existing handle.
func New(db *sql.DB, policy Policy) *Accessor {
	return &Accessor{db: db, policy: policy, timeout: 30 * time.Second}
}

func (a *Accessor) Close() error {
	return a.db.Close()
}

func (a *Accessor) Policy() Policy {
	return a.policy
}

func (a *Accessor) checkTable(ctx context.Context) error {
	var name string
	err := a.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, Table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return fmt.Errorf("snapshot has no %q table", Table)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect snapshot: %w", err)
	}
	return nil
}

// Execute runs query without any policy check. Backend errors are reported
// in the result, never returned.
func (a *Accessor) Execute(ctx context.Context, query string) models.QueryResult {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rows, err := a.db.QueryContext(ctx, Normalize(query))
	if err != nil {
		logger.Debug("Snapshot query failed", zap.Error(err))
		return models.Failed(err.Error())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return models.Failed(err.Error())
	}

	result := models.QueryResult{Success: true, Columns: columns, Rows: [][]string{}}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return models.Failed(err.Error())
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = Stringify(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return models.Failed(err.Error())
	}

	return result
}

// Validate applies the agent-query policy and then asks the engine to
// compile the statement, which is the dialect parse check.
func (a *Accessor) Validate(ctx context.Context, query string) (bool, string) {
	if reason := a.policy.Check(query); reason != "" {
		metrics.QueryRejections.WithLabelValues("policy").Inc()
		return false, reason
	}

	stmt, err := a.db.PrepareContext(ctx, Normalize(query))
	if err != nil {
		metrics.QueryRejections.WithLabelValues("parse").Inc()
		return false, fmt.Sprintf("query does not parse: %v", err)
	}
	stmt.Close()

	return true, ""
}

// ExecuteAgentQuery validates, then executes. A rejection becomes the
// result's error.
func (a *Accessor) ExecuteAgentQuery(ctx context.Context, query string) models.QueryResult {
	if ok, reason := a.Validate(ctx, query); !ok {
		logger.Info("Agent query rejected", zap.String("reason", reason))
		return models.Failed(reason)
	}
	return a.Execute(ctx, query)
}

// Stringify renders a scanned cell in the canonical comparison form, so
// 1, 1.0 and "1" all become "1".
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
