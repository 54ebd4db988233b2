package dbconn

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

type sqlserverAdapter struct{}

func (sqlserverAdapter) Dialect() Dialect { return DialectSQLServer }

func (a sqlserverAdapter) Open(profile ConnectionProfile) (*sql.DB, error) {
	query := url.Values{}
	if profile.Database != "" {
		query.Set("database", profile.Database)
	}
	if profile.ConnectTimeout > 0 {
		query.Set("dial timeout", strconv.Itoa(int(profile.ConnectTimeout.Seconds())))
	}
	if profile.TLSCAPath != "" {
		if _, err := os.Stat(profile.TLSCAPath); err != nil {
			return nil, fault.Wrapf(err, fault.KindConnectionFailure,
				"TLS CA certificate %q is not readable", profile.TLSCAPath)
		}
		query.Set("encrypt", "true")
		query.Set("certificate", profile.TLSCAPath)
		query.Set("trustservercertificate", "false")
	}

	dsn := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(profile.User, profile.Password),
		Host:     fmt.Sprintf("%s:%d", profile.Host, profile.Port),
		RawQuery: query.Encode(),
	}

	db, err := sql.Open("sqlserver", dsn.String())
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConnectionFailure, "cannot open sqlserver connection")
	}
	return db, nil
}

func (sqlserverAdapter) ListDatabasesQuery() string {
	return `
SELECT name
FROM sys.databases
WHERE name NOT IN ('master', 'tempdb', 'model', 'msdb') AND state = 0
ORDER BY name`
}

func (sqlserverAdapter) ListTablesQuery() string {
	return `
SELECT TABLE_NAME
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`
}

func (sqlserverAdapter) ListColumnsQuery() string {
	return `
SELECT
	c.TABLE_NAME,
	c.COLUMN_NAME,
	c.DATA_TYPE +
		CASE
			WHEN c.CHARACTER_MAXIMUM_LENGTH = -1 THEN '(max)'
			WHEN c.CHARACTER_MAXIMUM_LENGTH IS NOT NULL THEN '(' + CAST(c.CHARACTER_MAXIMUM_LENGTH AS varchar(10)) + ')'
			WHEN c.DATA_TYPE IN ('decimal', 'numeric') THEN '(' + CAST(c.NUMERIC_PRECISION AS varchar(10)) + ',' + CAST(c.NUMERIC_SCALE AS varchar(10)) + ')'
			ELSE ''
		END,
	c.IS_NULLABLE,
	CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 1 ELSE 0 END
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
	SELECT ku.TABLE_NAME, ku.COLUMN_NAME
	FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku
		ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
	WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
) pk ON pk.TABLE_NAME = c.TABLE_NAME AND pk.COLUMN_NAME = c.COLUMN_NAME
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`
}

func (sqlserverAdapter) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

var (
	sqlserverTopClause   = regexp.MustCompile(`(?is)^(select\s+(?:all\s+|distinct\s+)?)top\s*\(?\s*\d+\s*\)?\s*`)
	sqlserverSelectStart = regexp.MustCompile(`(?is)^(select\s+(?:all\s+|distinct\s+)?)`)
)

// ApplyRowLimit injects TOP (n) into the outermost SELECT, replacing any TOP
// the model already emitted. For a WITH statement the CTE list must stay a
// statement prefix, so the injection lands on the first SELECT outside the
// CTE bodies. A MySQL-style trailing LIMIT is stripped first; generation can
// slip dialects.
func (sqlserverAdapter) ApplyRowLimit(sqlText string, n int) string {
	trimmed := stripTrailingSemicolons(sqlText)
	trimmed = strings.TrimSpace(mysqlLimitClause.ReplaceAllString(trimmed, ""))

	top := fmt.Sprintf("TOP (%d) ", n)
	if sqlserverTopClause.MatchString(trimmed) {
		return sqlserverTopClause.ReplaceAllString(trimmed, "${1}"+top)
	}
	if sqlserverSelectStart.MatchString(trimmed) {
		return sqlserverSelectStart.ReplaceAllString(trimmed, "${1}"+top)
	}
	if idx := outerSelectIndex(trimmed); idx >= 0 {
		head, tail := trimmed[:idx], trimmed[idx:]
		if sqlserverTopClause.MatchString(tail) {
			return head + sqlserverTopClause.ReplaceAllString(tail, "${1}"+top)
		}
		return head + sqlserverSelectStart.ReplaceAllString(tail, "${1}"+top)
	}
	return trimmed
}

// outerSelectIndex finds the first SELECT at parenthesis depth zero, skipping
// string literals and bracketed identifiers. For a WITH statement that is the
// outer projection after the CTE bodies; -1 when none exists.
func outerSelectIndex(s string) int {
	lower := strings.ToLower(s)
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
			continue
		case ')':
			if depth > 0 {
				depth--
			}
			continue
		case '\'':
			for i++; i < len(s) && s[i] != '\''; i++ {
			}
			continue
		case '[':
			for i++; i < len(s) && s[i] != ']'; i++ {
			}
			continue
		}
		if depth == 0 && strings.HasPrefix(lower[i:], "select") &&
			(i == 0 || !isWordByte(s[i-1])) &&
			(i+6 >= len(s) || !isWordByte(s[i+6])) {
			return i
		}
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func (sqlserverAdapter) NormalizeType(declared string) string {
	return strings.ToLower(strings.Join(strings.Fields(declared), " "))
}

func (sqlserverAdapter) DisplayType(normalized string) string {
	// SQL Server spells its types in lowercase; the canonical form already is
	// the native one.
	return normalized
}
