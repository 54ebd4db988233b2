// Package api exposes the HTTP surface: health probes, connection management,
// schema listings, and the natural-language query pipeline.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/dbconn"
	"github.com/sqlbridge/sqlbridge/internal/executor"
	"github.com/sqlbridge/sqlbridge/internal/nlsql"
	"github.com/sqlbridge/sqlbridge/internal/observability"
	"github.com/sqlbridge/sqlbridge/internal/schema"
)

// ConnectionManager is the slice of dbconn.Manager the handlers use.
type ConnectionManager interface {
	Acquire(ctx context.Context, profile dbconn.ConnectionProfile) (*sql.DB, error)
	Release(profile dbconn.ConnectionProfile)
	Invalidate(identity dbconn.Identity)
}

// SchemaSource is the slice of schema.Introspector the handlers use.
type SchemaSource interface {
	Snapshot(ctx context.Context, profile dbconn.ConnectionProfile) (*schema.Snapshot, error)
}

type QueryExecutor interface {
	Execute(ctx context.Context, db *sql.DB, sqlText string, timeout time.Duration, rowCap int) (*executor.Result, error)
}

type Dependencies struct {
	Logger    *slog.Logger
	Manager   ConnectionManager
	Schemas   SchemaSource
	Generator nlsql.Generator
	Executor  QueryExecutor

	// DefaultProfile backs requests that carry no connection block. Its
	// Database field is overridden per request when one is named.
	DefaultProfile dbconn.ConnectionProfile

	MaxRows      int
	QueryTimeout time.Duration
	ExplainRows  int
}

type Handler struct {
	logger         *slog.Logger
	manager        ConnectionManager
	schemas        SchemaSource
	generator      nlsql.Generator
	executor       QueryExecutor
	defaultProfile dbconn.ConnectionProfile
	maxRows        int
	queryTimeout   time.Duration
	explainRows    int
	startedAt      time.Time
}

func NewHandler(cfg config.Config, deps Dependencies) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRows := deps.MaxRows
	if maxRows <= 0 {
		maxRows = cfg.Query.MaxRowsReturn
	}
	timeout := deps.QueryTimeout
	if timeout <= 0 {
		timeout = cfg.Query.Timeout
	}
	explainRows := deps.ExplainRows
	if explainRows <= 0 {
		explainRows = cfg.Query.ExplainRows
	}
	return &Handler{
		logger:         logger,
		manager:        deps.Manager,
		schemas:        deps.Schemas,
		generator:      deps.Generator,
		executor:       deps.Executor,
		defaultProfile: deps.DefaultProfile,
		maxRows:        maxRows,
		queryTimeout:   timeout,
		explainRows:    explainRows,
		startedAt:      time.Now(),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/ready", h.handleReady)
	mux.Handle("GET /api/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/databases", h.handleListDatabases)
	mux.HandleFunc("GET /api/tables", h.handleListTables)
	mux.HandleFunc("POST /api/connect", h.handleConnect)
	mux.HandleFunc("POST /api/query", h.handleQuery)

	return observability.Instrument(h.logger, mux)
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Uptime  string `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: "sqlbridge-api",
		Uptime:  time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

type readyResponse struct {
	Status    string `json:"status"`
	Generator bool   `json:"generator_configured"`
}

// handleReady reports whether the service can serve query traffic. Target
// databases are not probed here; a dead target fails the request that needs
// it, not the whole service.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := h.generator != nil
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, readyResponse{Status: state, Generator: ready})
}

// resolveProfile merges an optional per-request connection block over the
// default profile. A custom block replaces the default wholesale; only the
// connect timeout carries over.
func (h *Handler) resolveProfile(body *connectionBody, database string) (dbconn.ConnectionProfile, error) {
	profile := h.defaultProfile
	if body != nil {
		raw := body.Dialect
		if raw == "" {
			raw = string(dbconn.DialectMySQL)
		}
		dialect, err := dbconn.ParseDialect(raw)
		if err != nil {
			return dbconn.ConnectionProfile{}, err
		}
		if body.Port == 0 {
			body.Port = defaultPort(dialect)
		}
		profile = dbconn.ConnectionProfile{
			Dialect:        dialect,
			Host:           body.Server,
			Port:           body.Port,
			Database:       body.Database,
			User:           body.User,
			Password:       body.Password,
			TLSCAPath:      body.TLSCAPath,
			ConnectTimeout: h.defaultProfile.ConnectTimeout,
		}
	}
	if database != "" {
		profile.Database = database
	}
	if err := profile.Validate(); err != nil {
		return dbconn.ConnectionProfile{}, err
	}
	return profile, nil
}

func defaultPort(dialect dbconn.Dialect) int {
	if dialect == dbconn.DialectSQLServer {
		return 1433
	}
	return 3306
}

// connectionBody is the JSON shape of a per-request connection block.
type connectionBody struct {
	Dialect   string `json:"dialect"`
	Server    string `json:"server"`
	Port      int    `json:"port"`
	Database  string `json:"database"`
	User      string `json:"user"`
	Password  string `json:"password"`
	TLSCAPath string `json:"tls_ca_path,omitempty"`
}
