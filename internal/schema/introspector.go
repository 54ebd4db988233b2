package schema

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/fault"
	"github.com/sqlbridge/sqlbridge/internal/observability"
)

// maxSchemaTables bounds introspection work on very wide schemas; tables past
// the ceiling are dropped from the snapshot, alphabetically last first.
const maxSchemaTables = 200

// defaultFetchTimeout bounds the catalog round trips of one snapshot fetch.
const defaultFetchTimeout = 15 * time.Second

// ConnectionSource is the slice of the connection manager the introspector
// needs.
type ConnectionSource interface {
	Acquire(ctx context.Context, profile dbconn.ConnectionProfile) (*sql.DB, error)
	Release(profile dbconn.ConnectionProfile)
}

// Introspector memoizes one snapshot per profile identity. The cache entry is
// replaced atomically and falls together with the owning connection via the
// manager's invalidation hook.
type Introspector struct {
	conns        ConnectionSource
	logger       *slog.Logger
	fetchTimeout time.Duration

	mu    sync.RWMutex
	cache map[dbconn.Identity]*Snapshot
}

func NewIntrospector(conns ConnectionSource, logger *slog.Logger) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{
		conns:        conns,
		logger:       logger,
		fetchTimeout: defaultFetchTimeout,
		cache:        make(map[dbconn.Identity]*Snapshot),
	}
}

// Snapshot returns the cached snapshot for the profile, fetching from the
// catalog only on a miss. Construction is read-only against the database.
func (i *Introspector) Snapshot(ctx context.Context, profile dbconn.ConnectionProfile) (*Snapshot, error) {
	identity := profile.Identity()

	i.mu.RLock()
	cached, ok := i.cache[identity]
	i.mu.RUnlock()
	if ok {
		return cached, nil
	}

	snapshot, err := i.fetch(ctx, profile)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if racing, ok := i.cache[identity]; ok {
		return racing, nil
	}
	i.cache[identity] = snapshot
	return snapshot, nil
}

// Invalidate drops the cached snapshot for the identity. Wired as the
// connection manager's invalidation hook.
func (i *Introspector) Invalidate(identity dbconn.Identity) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.cache, identity)
}

func (i *Introspector) fetch(ctx context.Context, profile dbconn.ConnectionProfile) (*Snapshot, error) {
	// The fetch carries its own deadline; a stalled catalog must not hold the
	// request for the caller's whole budget.
	ctx, cancel := context.WithTimeout(ctx, i.fetchTimeout)
	defer cancel()

	adapter, err := dbconn.AdapterFor(profile.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := i.conns.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}
	defer i.conns.Release(profile)

	tables, err := listTables(ctx, db, adapter)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindIntrospectionFailure, "cannot read schema")
	}
	if len(tables) == 0 {
		return nil, fault.Newf(fault.KindIntrospectionFailure,
			"schema %q contains no tables", profile.Database)
	}
	if len(tables) > maxSchemaTables {
		i.logger.Warn("schema exceeds table ceiling, truncating snapshot",
			slog.String("database", profile.Database),
			slog.Int("tables", len(tables)))
		tables = tables[:maxSchemaTables]
	}

	columnsByTable, err := listColumns(ctx, db, adapter)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindIntrospectionFailure, "cannot read schema")
	}

	snapshot := &Snapshot{
		Identity:  profile.Identity(),
		Database:  profile.Database,
		FetchedAt: time.Now().UTC(),
	}
	for _, name := range tables {
		snapshot.Tables = append(snapshot.Tables, TableInfo{
			Name:    name,
			Columns: columnsByTable[name],
		})
	}

	observability.IncrementSnapshotRefresh()
	i.logger.Debug("fetched schema snapshot",
		slog.String("database", profile.Database),
		slog.Int("tables", len(snapshot.Tables)))
	return snapshot, nil
}

func listTables(ctx context.Context, db *sql.DB, adapter dbconn.Adapter) ([]string, error) {
	rows, err := db.QueryContext(ctx, adapter.ListTablesQuery())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func listColumns(ctx context.Context, db *sql.DB, adapter dbconn.Adapter) (map[string][]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, adapter.ListColumnsQuery())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]ColumnInfo)
	for rows.Next() {
		var table, name, declared, nullable string
		var primaryKey int
		if err := rows.Scan(&table, &name, &declared, &nullable, &primaryKey); err != nil {
			return nil, err
		}
		columns[table] = append(columns[table], ColumnInfo{
			Name:         name,
			DeclaredType: adapter.NormalizeType(declared),
			Nullable:     nullable == "YES",
			PrimaryKey:   primaryKey == 1,
		})
	}
	return columns, rows.Err()
}
