package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/queue"
	"zenbudget/internal/services"
	"zenbudget/internal/session"
)

// SyncEngine is the sync surface the API exposes.
type SyncEngine interface {
	Sync(ctx context.Context, userID core.UserID) (*services.SyncResult, error)
	Reset(ctx context.Context, userID core.UserID) error
	Status(ctx context.Context, userID core.UserID) (*core.SyncState, error)
}

// SyncRequester hands a sync trigger to the worker. Nil means triggers
// run in-process instead of over the bus.
type SyncRequester interface {
	PublishSyncRequest(ctx context.Context, userID core.UserID, reason string) error
}

// Deps bundles everything the API server needs.
type Deps struct {
	Sessions      *session.Manager
	BotToken      string
	Tokens        *services.TokenService
	Engine        SyncEngine
	Reconciler    *services.Reconciler
	Queue         *queue.Queue
	Drainer       *queue.Drainer
	SyncRequester SyncRequester
}

type Server struct {
	http.Server
	deps         Deps
	rateLimiter  *rateLimiter
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, deps Deps) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		deps:        deps,
		rateLimiter: newRateLimiter(),
	}

	mux.HandleFunc("/healthz", s.withAPI(handleHealth))
	mux.HandleFunc("/api/auth/telegram", s.withAPI(s.handleTelegramAuth))
	mux.HandleFunc("/api/zenmoney/connect", s.withAPI(s.handleConnect))
	mux.HandleFunc("/api/zenmoney/sync", s.withAPI(s.handleSync))
	mux.HandleFunc("/api/zenmoney/sync/reset", s.withAPI(s.handleSyncReset))
	mux.HandleFunc("/api/zenmoney/sync/status", s.withAPI(s.handleSyncStatus))
	mux.HandleFunc("/api/zenmoney/reconcile", s.withAPI(s.handleReconcile))
	mux.HandleFunc("/api/queue", s.withAPI(s.handleEnqueue))
	mux.HandleFunc("/api/queue/pending", s.withAPI(s.handlePending))
	mux.HandleFunc("/api/queue/drain", s.withAPI(s.handleDrain))

	return s
}

// Shutdown gracefully shuts down the server and its cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
