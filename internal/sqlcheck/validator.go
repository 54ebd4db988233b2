// Package sqlcheck decides whether a generated statement is safe to run.
// The policy is an allow-list: a statement passes only when it is a single
// read-only SELECT (or WITH) against tables the schema snapshot knows about.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/schema"
)

type Policy struct {
	// MaxRows caps the rows any statement may return. The cap is enforced by
	// rewriting the statement, not by trusting the model to include one.
	MaxRows int
}

// Verdict is the outcome of validation. When Allowed is true, NormalizedSQL
// carries the dialect-correct row limit and is the only text that may be
// executed. Reason is a stable machine-readable string, empty when allowed.
type Verdict struct {
	Allowed           bool
	Reason            string
	NormalizedSQL     string
	EffectiveRowLimit int
}

const (
	ReasonEmptyStatement   = "empty_statement"
	ReasonNotReadOnly      = "not_read_only"
	ReasonForbiddenKeyword = "forbidden_keyword"
	ReasonMultiStatement   = "multi_statement"
	ReasonUnknownTable     = "unknown_table"
)

// INTO is forbidden on its own: SELECT ... INTO and INTO OUTFILE both write.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate",
	"create", "grant", "revoke", "exec", "execute", "merge", "call", "into",
}

var (
	lineComment   = regexp.MustCompile(`--[^\n]*`)
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	singleQuoted  = regexp.MustCompile(`'(?:[^']|'')*'`)
	backQuoted    = regexp.MustCompile("`(?:[^`]|``)*`")
	bracketQuoted = regexp.MustCompile(`\[[^\]]*\]`)
	forbiddenWord = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenKeywords, "|") + `)\b`)
	// Both scans are anchored to the outer statement: a trailing LIMIT, or a
	// TOP right after the leading SELECT. A limit inside a subquery bounds
	// that subquery, not the rows the statement returns.
	limitClause   = regexp.MustCompile(`(?i)\blimit\s+(\d+)(?:\s*,\s*(\d+)|\s+offset\s+\d+)?\s*$`)
	topClause     = regexp.MustCompile(`(?i)^select\s+(?:all\s+|distinct\s+)?top\s*\(?\s*(\d+)\s*\)?`)
	cteName       = regexp.MustCompile(`(?i)\b([A-Za-z_][\w$]*)\s+as\s*\(`)
)

type Validator struct {
	policy Policy
}

func NewValidator(policy Policy) *Validator {
	if policy.MaxRows <= 0 {
		policy.MaxRows = 1000
	}
	return &Validator{policy: policy}
}

// Check validates a candidate statement against the policy and the schema
// snapshot. Comments and string literals are stripped before any keyword
// inspection, so obfuscation through either cannot smuggle a write past the
// allow-list.
func (v *Validator) Check(sqlText string, targetTables []string, snapshot *schema.Snapshot, adapter dbconn.Adapter) Verdict {
	bare := stripLiterals(sqlText)
	bare = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(bare), ";"))
	if bare == "" {
		return reject(ReasonEmptyStatement, "statement is empty")
	}

	if strings.ContainsRune(bare, ';') {
		return reject(ReasonMultiStatement, "only a single statement is allowed")
	}

	first := strings.ToLower(firstWord(bare))
	if first != "select" && first != "with" {
		return reject(ReasonNotReadOnly, "statement must begin with SELECT or WITH")
	}

	if m := forbiddenWord.FindStringSubmatch(bare); m != nil {
		return reject(ReasonForbiddenKeyword,
			fmt.Sprintf("keyword %q is not allowed", strings.ToUpper(m[1])))
	}

	if snapshot != nil {
		ctes := cteNames(bare)
		for _, table := range targetTables {
			if _, isCTE := ctes[strings.ToLower(table)]; isCTE {
				continue
			}
			if !snapshot.HasTable(table) {
				return reject(ReasonUnknownTable,
					fmt.Sprintf("table %q does not exist in schema %q", table, snapshot.Database))
			}
		}
	}

	effective := v.effectiveLimit(bare)
	return Verdict{
		Allowed:           true,
		NormalizedSQL:     adapter.ApplyRowLimit(sqlText, effective),
		EffectiveRowLimit: effective,
	}
}

func reject(reason, message string) Verdict {
	return Verdict{Reason: reason + ": " + message}
}

// effectiveLimit honors a smaller limit the statement already carries but
// never lets one exceed the policy cap.
func (v *Validator) effectiveLimit(bare string) int {
	limit := v.policy.MaxRows
	if m := limitClause.FindStringSubmatch(bare); m != nil {
		requested := m[1]
		if m[2] != "" { // LIMIT offset, count
			requested = m[2]
		}
		if n, err := strconv.Atoi(requested); err == nil && n > 0 && n < limit {
			limit = n
		}
	} else if m := topClause.FindStringSubmatch(bare); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	return limit
}

// stripLiterals blanks out comments, string literals, and quoted identifiers
// so keyword scans only see actual SQL structure. A column named `update`
// must not trip the allow-list, and a comment must not hide a write.
func stripLiterals(sqlText string) string {
	out := blockComment.ReplaceAllString(sqlText, " ")
	out = lineComment.ReplaceAllString(out, " ")
	out = singleQuoted.ReplaceAllString(out, "''")
	out = backQuoted.ReplaceAllString(out, "``")
	out = bracketQuoted.ReplaceAllString(out, "[]")
	return out
}

// cteNames collects names bound by WITH so they are not mistaken for
// missing tables.
func cteNames(bare string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, m := range cteName.FindAllStringSubmatch(bare, -1) {
		names[strings.ToLower(m[1])] = struct{}{}
	}
	return names
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "(")
}
