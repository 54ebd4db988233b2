// Package executor runs validated statements with a deadline and a row cap.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

// Result is a bounded, JSON-friendly view of a result set. Rows holds at most
// rowCap entries; Truncated reports whether the statement had more.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"-"`
}

type Executor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Execute runs sqlText under its own deadline. The statement text must have
// passed validation; nothing here re-checks it. Scanning stops at rowCap plus
// one probe row that only sets the truncation flag.
func (e *Executor) Execute(ctx context.Context, db *sql.DB, sqlText string, timeout time.Duration, rowCap int) (*Result, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if rowCap <= 0 {
		rowCap = 1000
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	rows, err := db.QueryContext(queryCtx, sqlText)
	if err != nil {
		return nil, classifyExecutionError(queryCtx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classifyExecutionError(queryCtx, err)
	}

	result := &Result{Columns: columns, Rows: []map[string]any{}}
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for idx := range values {
		scanTargets[idx] = &values[idx]
	}

	for len(result.Rows) < rowCap && rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, classifyExecutionError(queryCtx, err)
		}
		row := make(map[string]any, len(columns))
		for idx, col := range columns {
			row[col] = normalizeValue(values[idx])
		}
		result.Rows = append(result.Rows, row)
	}
	if len(result.Rows) == rowCap && rows.Next() {
		result.Truncated = true
	}
	if err := rows.Err(); err != nil {
		return nil, classifyExecutionError(queryCtx, err)
	}

	result.RowCount = len(result.Rows)
	result.Duration = time.Since(started)
	e.logger.Debug("executed statement",
		slog.Int("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// normalizeValue maps driver values onto types that encode cleanly as JSON.
// Drivers hand back []byte for most text and decimal columns.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return value
	}
}

func classifyExecutionError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fault.Wrap(err, fault.KindExecutionTimeout, "query exceeded its time budget")
	case errors.Is(err, driver.ErrBadConn):
		return fault.Wrap(err, fault.KindConnectionLost, "database connection was lost")
	case isNetError(err):
		return fault.Wrap(err, fault.KindConnectionLost, "database connection was lost")
	default:
		return fault.Wrap(err, fault.KindExecutionError, "query failed")
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
