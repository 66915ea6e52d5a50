package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"zenbudget/internal/amqp"
	"zenbudget/internal/core"
	"zenbudget/internal/queue"
	"zenbudget/internal/services"
	"zenbudget/internal/telegram"
)

// handleTelegramAuth verifies a Telegram login-widget payload and issues
// a session token for the authenticated user.
func (s *Server) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	// The widget delivers id and auth_date as JSON numbers; everything
	// becomes a string for the data-check computation.
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	values := url.Values{}
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			values.Set(k, t)
		case float64:
			values.Set(k, strconv.FormatFloat(t, 'f', -1, 64))
		case bool:
			values.Set(k, strconv.FormatBool(t))
		}
	}

	login, err := telegram.Verify(values, s.deps.BotToken, time.Now())
	if err != nil {
		slog.WarnContext(r.Context(), "Telegram login rejected", "error", err)
		writeError(w, r, core.ErrUnauthorized)
		return
	}

	token, err := s.deps.Sessions.Issue(login.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"user_id":    login.ID,
		"first_name": login.FirstName,
		"username":   login.Username,
	})
}

// handleConnect exchanges an OAuth code (or accepts a ready token pair)
// and stores the ZenMoney connection for the session's user.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req services.ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sessionToken, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	conn, err := s.deps.Tokens.Connect(r.Context(), strings.TrimSpace(sessionToken), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.requestSync(r.Context(), conn.UserID, amqp.ReasonConnect)

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"expires_at": conn.ExpiresAt,
	})
}

// handleSync triggers a background delta sync and answers immediately
// with the current state. Sync outcomes never surface here; they land in
// the sync status.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	state, err := s.deps.Engine.Status(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.requestSync(r.Context(), userID, amqp.ReasonManual)

	writeJSON(w, http.StatusAccepted, syncStatusResponse(state))
}

func (s *Server) handleSyncReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Engine.Reset(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	state, err := s.deps.Engine.Status(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse(state))
}

// handleReconcile runs a balance reconciliation pass over the user's
// non-archived accounts and returns the full report.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := s.deps.Reconciler.Run(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleEnqueue captures an offline-drafted transaction into the pending
// queue.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var draft queue.Draft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), userID, draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	pending, err := s.deps.Queue.Pending(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]pendingEntry, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingEntry{
			ID:        p.ID,
			Type:      p.Type,
			Payload:   p.Payload,
			Retries:   p.Retries,
			LastError: p.LastError,
			CreatedAt: p.CreatedAt,
			Abandoned: p.Retries >= queue.MaxRetries,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.deps.Drainer.Drain(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requestSync hands the trigger to the worker over the bus, falling back
// to an in-process run when no bus is wired.
func (s *Server) requestSync(ctx context.Context, userID core.UserID, reason string) {
	if s.deps.SyncRequester != nil {
		err := s.deps.SyncRequester.PublishSyncRequest(ctx, userID, reason)
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "Failed to publish sync request, running in-process",
			"user_id", userID, "error", err)
	}
	go func() {
		// Detached from the request: the trigger outlives the response.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.deps.Engine.Sync(ctx, userID); err != nil {
			slog.DebugContext(ctx, "Background sync failed", "user_id", userID, "error", err)
		}
	}()
}

type pendingEntry struct {
	ID        string               `json:"id"`
	Type      core.TransactionType `json:"type"`
	Payload   json.RawMessage      `json:"payload"`
	Retries   int                  `json:"retries"`
	LastError string               `json:"last_error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	Abandoned bool                 `json:"abandoned"`
}

func syncStatusResponse(state *core.SyncState) map[string]any {
	resp := map[string]any{
		"status":           state.Status,
		"server_timestamp": state.ServerTimestamp,
	}
	if !state.LastSyncAt.IsZero() {
		resp["last_sync_at"] = state.LastSyncAt
	}
	if state.Error != "" {
		resp["error"] = state.Error
	}
	return resp
}
