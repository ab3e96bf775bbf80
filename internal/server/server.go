package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chorusinsights/chorus-ai/internal/audit"
	"github.com/chorusinsights/chorus-ai/internal/config"
	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/interview"
	"github.com/chorusinsights/chorus-ai/internal/synthesis"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

// Server is the HTTP facade over the assessment core.
type Server struct {
	cfg        *config.Config
	store      db.Store
	interviews *interview.Service
	synth      *synthesis.Orchestrator
	ledger     *usage.Ledger
	audit      audit.Logger
	logger     *zap.Logger
	httpServer *http.Server
}

// Deps carries the wired components the server exposes.
type Deps struct {
	Store      db.Store
	Interviews *interview.Service
	Synthesis  *synthesis.Orchestrator
	Ledger     *usage.Ledger
	Audit      audit.Logger
	Logger     *zap.Logger
}

// NewServer builds the HTTP server. It does not start listening.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		interviews: deps.Interviews,
		synth:      deps.Synthesis,
		ledger:     deps.Ledger,
		audit:      deps.Audit,
		logger:     deps.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // synthesis runs answer on the request
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if s.cfg.Server.TLSEnabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.Server.TLSCertPath, s.cfg.Server.TLSKeyPath)
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/interviews/{id}/start", s.handleInterviewStart)
	mux.HandleFunc("POST /api/v1/interviews/{id}/messages", s.handleInterviewMessage)
	mux.HandleFunc("POST /api/v1/interviews/{id}/complete", s.handleInterviewForceComplete)
	mux.HandleFunc("GET /api/v1/interviews/{id}", s.handleInterviewGet)

	mux.HandleFunc("POST /api/v1/campaigns/{id}/synthesis", s.handleSynthesisRun)
	mux.HandleFunc("GET /api/v1/campaigns/{id}/synthesis", s.handleSynthesisStatus)

	mux.HandleFunc("GET /api/v1/tenants/{id}/usage", s.handleUsageCurrent)
	mux.HandleFunc("POST /api/v1/tenants/{id}/usage/reset", s.handleUsageReset)
	mux.HandleFunc("GET /api/v1/tenants/{id}/usage/events", s.handleUsageEvents)
	mux.HandleFunc("PUT /api/v1/tenants/{id}/quota", s.handleQuotaOverride)
	mux.HandleFunc("GET /api/v1/tenants/{id}/notifications", s.handleNotifications)

	mux.HandleFunc("GET /ws/interviews/{id}", s.handleInterviewSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready", "reason": "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
