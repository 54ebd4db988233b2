// Package schema produces normalized, dialect-independent snapshots of a
// database's tables and columns, cached per connection profile.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/dbconn"
)

type ColumnInfo struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type"`
	Nullable     bool   `json:"nullable"`
	PrimaryKey   bool   `json:"primary_key"`
}

type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// Snapshot is immutable once built. Tables are sorted by name; columns keep
// their catalog ordinal position.
type Snapshot struct {
	Identity  dbconn.Identity `json:"-"`
	Database  string          `json:"database"`
	Tables    []TableInfo     `json:"tables"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// HasTable matches case-insensitively; catalog casing differs across dialects
// and the model's output casing is anyone's guess.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

func (s *Snapshot) Table(name string) (TableInfo, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return TableInfo{}, false
}

// PromptContext renders the snapshot as the schema section of the generation
// prompt: table and column names with types only, never credentials or row
// data.
func (s *Snapshot) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n\nUse ONLY these tables and columns:\n", s.Database)
	for _, table := range s.Tables {
		fmt.Fprintf(&b, "\nTable: %s\nColumns:\n", table.Name)
		for _, col := range table.Columns {
			key := ""
			if col.PrimaryKey {
				key = " (PRIMARY KEY)"
			}
			nullable := " (NOT NULL)"
			if col.Nullable {
				nullable = " (NULLABLE)"
			}
			fmt.Fprintf(&b, "  - %s (%s)%s%s\n", col.Name, col.DeclaredType, key, nullable)
		}
	}
	return b.String()
}
