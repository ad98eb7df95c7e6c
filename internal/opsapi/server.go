// Package opsapi is the SOC's operator-facing JSON API: detections,
// playbooks, the approval workflow, learning reports, audit-chain
// inspection, and kill-switch control, plus a websocket feed that mirrors
// playbook lifecycle events off the message bus. There is no HTML
// frontend, no cookies, and no CSRF handling here; every response is JSON
// and every client authenticates with a bearer token.
package opsapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentwarden/soc-sentry/internal/approval"
	"github.com/agentwarden/soc-sentry/internal/audit"
	"github.com/agentwarden/soc-sentry/internal/auth"
	"github.com/agentwarden/soc-sentry/internal/bus"
	"github.com/agentwarden/soc-sentry/internal/config"
	"github.com/agentwarden/soc-sentry/internal/learning"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/agentwarden/soc-sentry/internal/remediate"
)

// Server is the ops API server: detections, playbooks/approvals, learning,
// audit, and kill-switch control over memory.Store and its collaborators.
type Server struct {
	config       config.ServerConfig
	store        memory.Store
	cfgLoader    *config.Loader
	workflow     *approval.Workflow
	learningSys  *learning.LearningSystem
	chain        *audit.Chain
	killSwitch   *remediate.KillSwitch
	queue        *remediate.Queue
	tokenManager *auth.TokenManager
	wsHub        *WebSocketHub
	mux          *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer creates the ops API server and wires its websocket hub to bus
// so playbook lifecycle events reach connected clients without the caller
// threading the bus through every handler.
func NewServer(
	cfg config.ServerConfig,
	store memory.Store,
	cfgLoader *config.Loader,
	workflow *approval.Workflow,
	learningSys *learning.LearningSystem,
	chain *audit.Chain,
	killSwitch *remediate.KillSwitch,
	queue *remediate.Queue,
	b *bus.Bus,
	tokenManager *auth.TokenManager,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:       cfg,
		store:        store,
		cfgLoader:    cfgLoader,
		workflow:     workflow,
		learningSys:  learningSys,
		chain:        chain,
		killSwitch:   killSwitch,
		queue:        queue,
		tokenManager: tokenManager,
		wsHub:        NewWebSocketHub(logger, cfg.CORS),
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "opsapi.Server"),
	}

	if b != nil {
		s.wsHub.Bridge(b, approval.PendingApprovalTopic, approval.ApprovedTopic)
	}

	s.registerRoutes()
	return s
}

// authRequired wraps a handler with bearer-token RBAC. When auth is
// disabled in config (the local/lab default) the handler is returned
// unwrapped, with no per-request overhead.
func (s *Server) authRequired(action string, next http.HandlerFunc) http.HandlerFunc {
	if !s.config.Auth.Enabled || s.tokenManager == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")

		token, err := s.tokenManager.ValidateToken(secret, r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if !auth.HasPermission(token.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Detections
	s.mux.HandleFunc("GET /api/detections", s.authRequired("read", s.handleListAlerts))

	// Playbooks / approval workflow
	s.mux.HandleFunc("GET /api/playbooks", s.authRequired("read", s.handleListPlaybooks))
	s.mux.HandleFunc("GET /api/playbooks/{id}", s.authRequired("read", s.handleGetPlaybook))
	s.mux.HandleFunc("POST /api/playbooks/{id}/dry_run", s.authRequired("approve", s.handleDryRun))
	s.mux.HandleFunc("POST /api/playbooks/{id}/request_approval", s.authRequired("approve", s.handleRequestApproval))
	s.mux.HandleFunc("POST /api/playbooks/{id}/approve", s.authRequired("approve", s.handleApprove))
	s.mux.HandleFunc("POST /api/playbooks/{id}/reject", s.authRequired("approve", s.handleReject))

	// Remediator queue
	s.mux.HandleFunc("GET /api/queue/status", s.authRequired("read", s.handleQueueStatus))

	// Learning
	s.mux.HandleFunc("POST /api/learning/report", s.authRequired("learning.report", s.handleReportMissedAttack))
	s.mux.HandleFunc("POST /api/learning/process/{id}", s.authRequired("learning.report", s.handleProcessMissedAttack))
	s.mux.HandleFunc("GET /api/learning/variations", s.authRequired("read", s.handleExportVariations))

	// Audit chain
	s.mux.HandleFunc("GET /api/audit", s.authRequired("read", s.handleListAuditEntries))
	s.mux.HandleFunc("GET /api/audit/verify", s.authRequired("read", s.handleVerifyAudit))

	// Kill switch
	s.mux.HandleFunc("GET /api/killswitch", s.authRequired("read", s.handleKillSwitchStatus))
	s.mux.HandleFunc("GET /api/killswitch/history", s.authRequired("read", s.handleKillSwitchHistory))
	s.mux.HandleFunc("POST /api/killswitch/global", s.authRequired("approve", s.handleTriggerGlobalKill))
	s.mux.HandleFunc("POST /api/killswitch/global/reset", s.authRequired("approve", s.handleResetGlobalKill))
	s.mux.HandleFunc("POST /api/killswitch/agent/{id}", s.authRequired("approve", s.handleTriggerAgentKill))
	s.mux.HandleFunc("POST /api/killswitch/agent/{id}/reset", s.authRequired("approve", s.handleResetAgentKill))

	// Config
	s.mux.HandleFunc("POST /api/config/reload", s.authRequired("config.change", s.handleReloadConfig))

	// System — health is always public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// WebSocket push feed
	s.mux.HandleFunc("GET /api/ws/feed", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler, with CORS applied if configured.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the ops API server on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("ops API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and its websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for browser-based consoles.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Mux returns the underlying ServeMux for mounting additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Addr formats a listen address from a bare port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
