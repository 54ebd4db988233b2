package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sqlbridge/sqlbridge/internal/fault"
	"github.com/sqlbridge/sqlbridge/internal/observability"
)

type errorResponse struct {
	ErrorCode string            `json:"error_code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Context   map[string]string `json:"context,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

func statusForKind(kind fault.Kind) (int, string) {
	switch kind {
	case fault.KindConnectionFailure:
		return http.StatusBadGateway, "CONNECTION_FAILURE"
	case fault.KindConnectionLost:
		return http.StatusBadGateway, "CONNECTION_LOST"
	case fault.KindIntrospectionFailure:
		return http.StatusBadGateway, "INTROSPECTION_FAILURE"
	case fault.KindGenerationFailure:
		return http.StatusBadGateway, "GENERATION_FAILURE"
	case fault.KindValidationRejection:
		return http.StatusUnprocessableEntity, "VALIDATION_REJECTION"
	case fault.KindExecutionTimeout:
		return http.StatusGatewayTimeout, "EXECUTION_TIMEOUT"
	case fault.KindExecutionError:
		return http.StatusBadRequest, "EXECUTION_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// writeFault maps a pipeline error onto the JSON error envelope. The message
// is the fault's user-facing text; driver-level detail stays in the logs.
func (h *Handler) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.TraceLogger(r.Context(), h.logger)

	var f *fault.Fault
	if !errors.As(err, &f) {
		h.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", false, nil)
		log.ErrorContext(r.Context(), "unclassified error", slog.Any("error", err))
		return
	}

	status, code := statusForKind(f.Kind)
	log.WarnContext(r.Context(), "request failed",
		slog.String("fault_kind", string(f.Kind)),
		slog.Any("error", err))
	h.writeError(w, r, status, code, f.Message, fault.Retryable(f.Kind), nil)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool, context map[string]string) {
	writeJSON(w, status, errorResponse{
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
		Context:   context,
		TraceID:   observability.TraceIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
