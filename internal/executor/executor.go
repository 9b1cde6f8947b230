// Package executor validates and runs SELECT statements against the database
// service and shapes the results for narration and API responses.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patentql/patentql/internal/dbservice"
	"github.com/patentql/patentql/internal/observability"
	"github.com/patentql/patentql/internal/schema"
)

// ErrDisallowed marks a statement that failed the read-only predicate.
// Such statements are never forwarded to the database service.
var ErrDisallowed = errors.New("statement is not a read-only query")

// maxReturnedRows bounds the payload handed to narration and API responses.
// The full row count is preserved separately.
const maxReturnedRows = 20

// IsReadOnly is the textual read-only predicate: after trimming and case
// folding the statement must begin with SELECT or WITH.
func IsReadOnly(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}

// Result is a shaped execution result. Rows hold at most maxReturnedRows
// entries keyed by physical column name; DisplayRows mirror them under
// display labels when the snapshot carries a mapping.
type Result struct {
	Columns        []string         `json:"columns"`
	DisplayColumns []string         `json:"display_columns,omitempty"`
	Rows           []map[string]any `json:"rows"`
	DisplayRows    []map[string]any `json:"display_rows,omitempty"`
	RowCount       int              `json:"row_count"`
	Truncated      bool             `json:"truncated"`
	DurationMS     int64            `json:"duration_ms"`
}

type QueryClient interface {
	Query(ctx context.Context, dbType, sqlText string) (dbservice.QueryResult, error)
}

type Executor struct {
	client QueryClient
	logger *slog.Logger
}

func New(client QueryClient, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{client: client, logger: logger}
}

// Execute runs sqlText against the selected database. Statements failing the
// read-only predicate are rejected locally with ErrDisallowed; a translator
// producing one is a bug worth flagging, hence the warning log.
func (e *Executor) Execute(ctx context.Context, sqlText, selector string, snap schema.Snapshot) (Result, error) {
	if !IsReadOnly(sqlText) {
		observability.IncrementDisallowedStatement()
		e.logger.WarnContext(ctx, "disallowed statement rejected",
			slog.String("database", selector),
			slog.String("sql_prefix", sqlPrefix(sqlText)),
		)
		return Result{}, fmt.Errorf("%w: %s", ErrDisallowed, sqlPrefix(sqlText))
	}

	start := time.Now()
	raw, err := e.client.Query(ctx, selector, sqlText)
	elapsed := time.Since(start)
	if err != nil {
		return Result{}, err
	}
	observability.ObserveExecution(elapsed)

	result := Result{
		Columns:    raw.Columns,
		RowCount:   raw.RecordCount,
		DurationMS: elapsed.Milliseconds(),
	}
	if result.RowCount == 0 {
		result.RowCount = len(raw.Rows)
	}

	rows := raw.Rows
	if len(rows) > maxReturnedRows {
		rows = rows[:maxReturnedRows]
		result.Truncated = true
	}
	if result.RowCount > len(rows) {
		result.Truncated = true
	}

	result.Rows = shapeRows(raw.Columns, rows)
	if len(snap.DisplayNames) > 0 {
		result.DisplayColumns = make([]string, len(raw.Columns))
		for idx, column := range raw.Columns {
			result.DisplayColumns[idx] = snap.DisplayName(column)
		}
		result.DisplayRows = shapeRows(result.DisplayColumns, rows)
	}
	return result, nil
}

func shapeRows(columns []string, rows [][]any) []map[string]any {
	shaped := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := make(map[string]any, len(columns))
		for idx, column := range columns {
			if idx >= len(row) {
				break
			}
			entry[column] = scalarize(row[idx])
		}
		shaped = append(shaped, entry)
	}
	return shaped
}

// scalarize keeps JSON scalars as-is and stringifies anything structured.
func scalarize(value any) any {
	switch value.(type) {
	case nil, string, bool, float64, int, int64:
		return value
	default:
		return fmt.Sprint(value)
	}
}

func sqlPrefix(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	if len(trimmed) > 32 {
		return trimmed[:32]
	}
	return trimmed
}
