package nlsql

import (
	"regexp"
	"strings"
)

var (
	fencedBlock   = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*(.*?)```")
	bareStatement = regexp.MustCompile(`(?im)^[ \t]*(?:select|with)\b`)
	trailingFence = regexp.MustCompile("(?s)```.*$")
)

// ExtractSQL pulls the first fenced or bare SQL statement out of a model
// response. Fenced content is taken as-is; a bare statement is recognized by
// a line starting with SELECT or WITH and runs to the end of the text.
// Whether the statement is safe is the validator's question, not ours.
func ExtractSQL(raw string) (string, bool) {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if candidate := strings.TrimSpace(m[1]); candidate != "" {
			return candidate, true
		}
	}
	if loc := bareStatement.FindStringIndex(raw); loc != nil {
		candidate := raw[loc[0]:]
		candidate = trailingFence.ReplaceAllString(candidate, "")
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate, true
		}
	}
	return "", false
}

var tableRef = regexp.MustCompile("(?i)\\b(?:from|join)\\s+(`[^`]+`|\\[[^\\]]+\\]|\"[^\"]+\"|[A-Za-z_][\\w$]*(?:\\.[\\w$]+)*)")

// TargetTables lists the table names a statement references, best effort.
// Subqueries and quoting styles from either dialect are tolerated; schema
// prefixes are dropped.
func TargetTables(sqlText string) []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, match := range tableRef.FindAllStringSubmatch(sqlText, -1) {
		name := unquoteIdentifier(match[1])
		if name == "" {
			continue
		}
		if dot := strings.LastIndex(name, "."); dot >= 0 {
			name = name[dot+1:]
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

func unquoteIdentifier(name string) string {
	switch {
	case strings.HasPrefix(name, "`") && strings.HasSuffix(name, "`"):
		return strings.ReplaceAll(name[1:len(name)-1], "``", "`")
	case strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]"):
		return strings.ReplaceAll(name[1:len(name)-1], "]]", "]")
	case strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`):
		return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
	default:
		return name
	}
}
