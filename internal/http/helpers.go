package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"zenbudget/internal/core"
	"zenbudget/internal/session"
	"zenbudget/internal/zenmoney"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`

	// Upstream fields carry the provider's own diagnostic verbatim when
	// the failure originated at ZenMoney.
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	UpstreamBody   string `json:"upstream_body,omitempty"`
}

// writeError maps a service error onto the API's status taxonomy.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var provErr *zenmoney.ProviderError

	switch {
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, session.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})

	case errors.As(err, &provErr):
		// The provider's raw body is the only useful diagnostic; pass it
		// through untouched.
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:          "zenmoney request failed",
			UpstreamStatus: provErr.StatusCode,
			UpstreamBody:   string(provErr.Body),
		})

	case errors.Is(err, core.ErrBadRequest),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidType),
		errors.Is(err, core.ErrEmptyAccount),
		errors.Is(err, core.ErrMissingPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})

	case errors.Is(err, core.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "sync in progress"})

	default:
		slog.ErrorContext(r.Context(), "Request failed",
			"url", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// authenticate resolves the Authorization bearer token to a user id.
func (s *Server) authenticate(r *http.Request) (core.UserID, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return 0, core.ErrUnauthorized
	}
	return s.deps.Sessions.Verify(strings.TrimSpace(token))
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.ErrBadRequest
	}
	return nil
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return false
	}
	return true
}
