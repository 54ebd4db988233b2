package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/sqlbridge/sqlbridge/internal/dbconn"
)

type databasesResponse struct {
	Databases []string `json:"databases"`
	Dialect   string   `json:"dialect"`
}

// handleListDatabases enumerates user databases on the default target,
// system catalogs excluded.
func (h *Handler) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	profile := h.defaultProfile
	if err := profile.Validate(); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "NO_DEFAULT_CONNECTION",
			"no default database connection is configured", false, nil)
		return
	}

	databases, err := h.listDatabases(r.Context(), profile)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, databasesResponse{
		Databases: databases,
		Dialect:   string(profile.Dialect),
	})
}

type connectRequest struct {
	connectionBody
}

type connectResponse struct {
	Connected bool     `json:"connected"`
	Identity  string   `json:"identity"`
	Databases []string `json:"databases"`
}

// handleConnect probes a caller-supplied target and returns its database
// list on success. The probed connection stays cached for later queries.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON", false, nil)
		return
	}

	profile, err := h.resolveProfile(&req.connectionBody, "")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, nil)
		return
	}

	databases, err := h.listDatabases(r.Context(), profile)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		Connected: true,
		Identity:  profile.Identity().String(),
		Databases: databases,
	})
}

func (h *Handler) listDatabases(ctx context.Context, profile dbconn.ConnectionProfile) ([]string, error) {
	adapter, err := dbconn.AdapterFor(profile.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := h.manager.Acquire(ctx, profile)
	if err != nil {
		return nil, err
	}
	defer h.manager.Release(profile)

	return scanNames(ctx, db, adapter.ListDatabasesQuery())
}

func scanNames(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
