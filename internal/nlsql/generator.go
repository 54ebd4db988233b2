// Package nlsql turns natural-language questions into candidate SQL
// statements via a hosted model. Everything the model returns is untrusted
// data until the validator has passed it.
package nlsql

import "context"

type Request struct {
	Question      string
	SchemaContext string
	Dialect       string
}

// Candidate is an unvalidated statement. TargetTables is a best-effort parse
// used by the validator's unknown-table heuristic.
type Candidate struct {
	RawText      string
	SQL          string
	TargetTables []string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Candidate, error)

	// Explain produces a short business-friendly summary of a result set.
	// Failures are surfaced so the caller can decide to drop the explanation
	// rather than the response.
	Explain(ctx context.Context, question, sqlText, resultSummary string) (string, error)
}
