package dbconn

import (
	"database/sql"
	"errors"
	"net"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/sqlbridge/sqlbridge/internal/fault"
)

// Adapter is the capability set a dialect must provide. The set is closed:
// MySQL and SQL Server. Adding a dialect means adding one implementation,
// never touching callers.
type Adapter interface {
	Dialect() Dialect

	// Open builds a DSN from the profile and opens the handle. TLS material
	// named by the profile must be honored; its absence is a fault, never a
	// silent plaintext downgrade. Open does not dial; the manager probes.
	Open(profile ConnectionProfile) (*sql.DB, error)

	// ListDatabasesQuery enumerates user databases, system catalogs excluded.
	ListDatabasesQuery() string

	// ListTablesQuery enumerates base tables of the current schema in name
	// order.
	ListTablesQuery() string

	// ListColumnsQuery returns every column of the current schema in one
	// batched round trip, ordered by table name then ordinal position, with
	// rows of (table, column, declared type, 'YES'/'NO' nullable, pk 0/1).
	ListColumnsQuery() string

	QuoteIdentifier(name string) string

	// ApplyRowLimit rewrites sqlText so at most n rows can come back. An
	// existing LIMIT or TOP clause is replaced, not stacked.
	ApplyRowLimit(sqlText string, n int) string

	// NormalizeType canonicalizes a catalog-declared type; DisplayType maps
	// the canonical form back to the dialect-native spelling.
	NormalizeType(declared string) string
	DisplayType(normalized string) string
}

func AdapterFor(dialect Dialect) (Adapter, error) {
	switch dialect {
	case DialectMySQL:
		return mysqlAdapter{}, nil
	case DialectSQLServer:
		return sqlserverAdapter{}, nil
	default:
		return nil, fault.Newf(fault.KindConnectionFailure, "unsupported dialect %q", dialect)
	}
}

// classifyProbeError turns a driver-level connect/ping failure into the
// matching fault kind: TLS negotiation, authentication rejection, or an
// unreachable host.
func classifyProbeError(dialect Dialect, err error) *fault.Fault {
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1045: access denied
		if mysqlErr.Number == 1045 {
			return fault.Wrap(err, fault.KindConnectionFailure, "authentication rejected by database")
		}
	}
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		// 18456: login failed
		if mssqlErr.Number == 18456 {
			return fault.Wrap(err, fault.KindConnectionFailure, "authentication rejected by database")
		}
	}
	if isTLSError(err) {
		return fault.Wrap(err, fault.KindConnectionFailure, "TLS negotiation with database failed")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Wrap(err, fault.KindConnectionFailure, "cannot reach database")
	}
	return fault.Wrapf(err, fault.KindConnectionFailure, "cannot reach database (%s)", dialect)
}

func isTLSError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"tls", "x509", "certificate", "ssl"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
