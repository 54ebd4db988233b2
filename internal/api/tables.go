package api

import (
	"net/http"

	"github.com/sqlbridge/sqlbridge/internal/schema"
)

type tablesResponse struct {
	Database string             `json:"database"`
	Tables   []schema.TableInfo `json:"tables"`
}

// handleListTables returns the schema snapshot for the default target, or for
// another database on it when ?database= is given. Served from the snapshot
// cache; no catalog round trip after the first request.
func (h *Handler) handleListTables(w http.ResponseWriter, r *http.Request) {
	profile, err := h.resolveProfile(nil, r.URL.Query().Get("database"))
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "NO_DEFAULT_CONNECTION",
			"no default database connection is configured", false, nil)
		return
	}

	snapshot, err := h.schemas.Snapshot(r.Context(), profile)
	if err != nil {
		h.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tablesResponse{
		Database: snapshot.Database,
		Tables:   snapshot.Tables,
	})
}
