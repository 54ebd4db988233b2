// Package dbconn owns target-database descriptors, the two dialect adapters,
// and the connection manager that caches one live connection per profile.
package dbconn

import (
	"fmt"
	"strings"
	"time"
)

type Dialect string

const (
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
)

func ParseDialect(raw string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(raw))) {
	case DialectMySQL:
		return DialectMySQL, nil
	case DialectSQLServer:
		return DialectSQLServer, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", raw)
	}
}

// ConnectionProfile describes one target database. Treated as immutable after
// construction; a changed field means a different profile.
type ConnectionProfile struct {
	Dialect        Dialect
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	TLSCAPath      string
	Alias          string
	ConnectTimeout time.Duration
}

// Identity is the comparable subset of a profile used as the connection-cache
// key. Credentials beyond the user name and TLS material do not participate.
type Identity struct {
	Dialect  Dialect
	Host     string
	Port     int
	Database string
	User     string
}

func (p ConnectionProfile) Identity() Identity {
	return Identity{
		Dialect:  p.Dialect,
		Host:     p.Host,
		Port:     p.Port,
		Database: p.Database,
		User:     p.User,
	}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", id.Dialect, id.User, id.Host, id.Port, id.Database)
}

func (p ConnectionProfile) Validate() error {
	if _, err := ParseDialect(string(p.Dialect)); err != nil {
		return err
	}
	if p.Host == "" {
		return fmt.Errorf("server is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port %d is out of range", p.Port)
	}
	if p.User == "" {
		return fmt.Errorf("user is required")
	}
	if p.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}
