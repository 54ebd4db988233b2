package dbconn

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

type mysqlAdapter struct{}

func (mysqlAdapter) Dialect() Dialect { return DialectMySQL }

func (a mysqlAdapter) Open(profile ConnectionProfile) (*sql.DB, error) {
	cfg := mysqldrv.NewConfig()
	cfg.User = profile.User
	cfg.Passwd = profile.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", profile.Host, profile.Port)
	cfg.DBName = profile.Database
	cfg.Timeout = profile.ConnectTimeout
	cfg.ParseTime = true

	if profile.TLSCAPath != "" {
		tlsKey, err := registerTLSConfig(profile)
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tlsKey
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConnectionFailure, "cannot open mysql connection")
	}
	return db, nil
}

// registerTLSConfig loads the Aiven-style CA bundle and registers it with the
// driver under a per-profile key. A missing or unreadable CA file surfaces
// before any dial attempt.
func registerTLSConfig(profile ConnectionProfile) (string, error) {
	pem, err := os.ReadFile(profile.TLSCAPath)
	if err != nil {
		return "", fault.Wrapf(err, fault.KindConnectionFailure,
			"TLS CA certificate %q is not readable", profile.TLSCAPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return "", fault.Newf(fault.KindConnectionFailure,
			"TLS CA certificate %q contains no usable certificates", profile.TLSCAPath)
	}

	key := "sqlbridge:" + profile.Identity().String()
	if err := mysqldrv.RegisterTLSConfig(key, &tls.Config{
		RootCAs:    pool,
		ServerName: profile.Host,
		MinVersion: tls.VersionTLS12,
	}); err != nil {
		return "", fault.Wrap(err, fault.KindConnectionFailure, "cannot register TLS configuration")
	}
	return key, nil
}

func (mysqlAdapter) ListDatabasesQuery() string {
	return `
SELECT schema_name
FROM information_schema.schemata
WHERE schema_name NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys', 'innodb', 'tmp')
ORDER BY schema_name`
}

func (mysqlAdapter) ListTablesQuery() string {
	return `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`
}

func (mysqlAdapter) ListColumnsQuery() string {
	return `
SELECT
	c.table_name,
	c.column_name,
	c.column_type,
	c.is_nullable,
	CASE WHEN c.column_key = 'PRI' THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_schema = DATABASE()
ORDER BY c.table_name, c.ordinal_position`
}

func (mysqlAdapter) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var mysqlLimitClause = regexp.MustCompile(`(?is)\blimit\s+\d+(?:\s*,\s*\d+|\s+offset\s+\d+)?\s*$`)

func (mysqlAdapter) ApplyRowLimit(sqlText string, n int) string {
	trimmed := stripTrailingSemicolons(sqlText)
	clause := fmt.Sprintf("LIMIT %d", n)
	if mysqlLimitClause.MatchString(trimmed) {
		return strings.TrimSpace(mysqlLimitClause.ReplaceAllString(trimmed, clause))
	}
	return trimmed + " " + clause
}

func (mysqlAdapter) NormalizeType(declared string) string {
	return strings.ToLower(strings.Join(strings.Fields(declared), " "))
}

func (mysqlAdapter) DisplayType(normalized string) string {
	base, rest, found := strings.Cut(normalized, "(")
	display := strings.ToUpper(strings.TrimSpace(base))
	if found {
		display += "(" + rest
	}
	return display
}
