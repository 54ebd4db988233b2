package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/executor"
	"github.com/sqlbridge/sqlbridge/internal/fault"
	"github.com/sqlbridge/sqlbridge/internal/nlsql"
	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/sqlcheck"
)

const maxQuestionLength = 2000

type queryRequest struct {
	Question   string          `json:"question"`
	Database   string          `json:"database,omitempty"`
	Explain    bool            `json:"explain,omitempty"`
	Connection *connectionBody `json:"connection,omitempty"`
}

type queryResponse struct {
	Question    string           `json:"question"`
	SQL         string           `json:"sql"`
	Columns     []string         `json:"columns"`
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
	Truncated   bool             `json:"truncated"`
	Explanation string           `json:"explanation,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	TraceID     string           `json:"trace_id,omitempty"`
}

// handleQuery runs the full pipeline: resolve profile, acquire connection,
// snapshot schema, generate SQL, validate, execute. Any stage failing ends
// the request with that stage's fault kind.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON", false, nil)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "question is required", false, nil)
		return
	}
	if len(req.Question) > maxQuestionLength {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST",
			fmt.Sprintf("question exceeds %d characters", maxQuestionLength), false, nil)
		return
	}
	if h.generator == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "GENERATOR_UNAVAILABLE",
			"query generation is not configured", false, nil)
		return
	}

	profile, err := h.resolveProfile(req.Connection, req.Database)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, nil)
		return
	}

	started := time.Now()
	result, sqlText, explanation, err := h.runPipeline(r, profile, req)
	if err != nil {
		observability.ObserveQueryRequest(string(profile.Dialect), string(fault.KindOf(err)))
		h.writeFault(w, r, err)
		return
	}

	observability.ObserveQueryRequest(string(profile.Dialect), "ok")
	observability.ObserveResultRows(result.RowCount)
	writeJSON(w, http.StatusOK, queryResponse{
		Question:    req.Question,
		SQL:         sqlText,
		Columns:     result.Columns,
		Rows:        result.Rows,
		RowCount:    result.RowCount,
		Truncated:   result.Truncated,
		Explanation: explanation,
		DurationMS:  time.Since(started).Milliseconds(),
		TraceID:     observability.TraceIDFromContext(r.Context()),
	})
}

func (h *Handler) runPipeline(r *http.Request, profile dbconn.ConnectionProfile, req queryRequest) (*executor.Result, string, string, error) {
	ctx := r.Context()

	db, err := h.manager.Acquire(ctx, profile)
	if err != nil {
		return nil, "", "", err
	}
	defer h.manager.Release(profile)

	snapshot, err := h.schemas.Snapshot(ctx, profile)
	if err != nil {
		return nil, "", "", err
	}

	adapter, err := dbconn.AdapterFor(profile.Dialect)
	if err != nil {
		return nil, "", "", err
	}

	generationStart := time.Now()
	candidate, err := h.generator.Generate(ctx, nlsql.Request{
		Question:      req.Question,
		SchemaContext: snapshot.PromptContext(),
		Dialect:       string(profile.Dialect),
	})
	observability.ObserveGenerationDuration(time.Since(generationStart))
	if err != nil {
		return nil, "", "", err
	}

	validator := sqlcheck.NewValidator(sqlcheck.Policy{MaxRows: h.maxRows})
	verdict := validator.Check(candidate.SQL, candidate.TargetTables, snapshot, adapter)
	if !verdict.Allowed {
		observability.IncrementValidationRejection(rejectionReason(verdict.Reason))
		observability.TraceLogger(ctx, h.logger).WarnContext(ctx, "rejected generated statement",
			slog.String("reason", verdict.Reason),
			slog.String("sql", candidate.SQL))
		return nil, "", "", fault.New(fault.KindValidationRejection, verdict.Reason)
	}

	// Fetch one row past the cap so the executor can tell a full page from a
	// truncated one; a database honoring the statement limit would otherwise
	// never yield the probe row. The reported SQL keeps the real cap.
	fetchSQL := adapter.ApplyRowLimit(verdict.NormalizedSQL, verdict.EffectiveRowLimit+1)
	result, err := h.executor.Execute(ctx, db, fetchSQL, h.queryTimeout, verdict.EffectiveRowLimit)
	if err != nil {
		// A timed-out or dropped connection is poisoned; reopen on next use.
		kind := fault.KindOf(err)
		if kind == fault.KindExecutionTimeout || kind == fault.KindConnectionLost {
			h.manager.Invalidate(profile.Identity())
		}
		return nil, "", "", err
	}

	explanation := ""
	if req.Explain {
		explanation = h.explainResult(ctx, req.Question, verdict.NormalizedSQL, result)
	}
	return result, verdict.NormalizedSQL, explanation, nil
}

// explainResult is best effort. A generation failure here drops only the
// explanation, never the rows.
func (h *Handler) explainResult(ctx context.Context, question, sqlText string, result *executor.Result) string {
	summary := summarizeResult(result, h.explainRows)
	explanation, err := h.generator.Explain(ctx, question, sqlText, summary)
	if err != nil {
		observability.TraceLogger(ctx, h.logger).WarnContext(ctx, "result explanation failed",
			slog.Any("error", err))
		return ""
	}
	return explanation
}

// summarizeResult renders a compact textual sample for the explanation
// prompt. Only the first sampleRows rows go to the model.
func summarizeResult(result *executor.Result, sampleRows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total rows: %d", result.RowCount)
	if result.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\nColumns: ")
	b.WriteString(strings.Join(result.Columns, ", "))

	limit := len(result.Rows)
	if sampleRows > 0 && limit > sampleRows {
		limit = sampleRows
	}
	for idx := 0; idx < limit; idx++ {
		b.WriteString("\n")
		parts := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			parts = append(parts, fmt.Sprintf("%s=%v", col, result.Rows[idx][col]))
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	return b.String()
}

// rejectionReason reduces a full reason string to its stable prefix for the
// metric label.
func rejectionReason(reason string) string {
	prefix, _, found := strings.Cut(reason, ":")
	if !found {
		return reason
	}
	return prefix
}
