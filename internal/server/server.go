package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/flowguild/internal/config"
	"github.com/kazz187/flowguild/internal/issue"
	"github.com/kazz187/flowguild/internal/notify"
	"github.com/kazz187/flowguild/internal/workflow"
	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/clog"
)

// Server exposes the workflow engine over a JSON HTTP API.
type Server struct {
	server *http.Server

	env        *config.BaseEnv
	sequential *workflow.SequentialEngine
	orch       *workflow.OrchestratorEngine
	workflows  workflow.Store
	issues     issue.Store
	wakeup     *workflow.WakeupService
	subs       notify.Store
}

func NewServer(
	env *config.BaseEnv,
	sequential *workflow.SequentialEngine,
	orch *workflow.OrchestratorEngine,
	workflows workflow.Store,
	issues issue.Store,
	wakeup *workflow.WakeupService,
	subs notify.Store,
) *Server {
	return &Server{
		env:        env,
		sequential: sequential,
		orch:       orch,
		workflows:  workflows,
		issues:     issues,
		wakeup:     wakeup,
		subs:       subs,
	}
}

// Handler builds the full route tree. Split out from ListenAndServe so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		s.routeWorkflows(r)
		s.routeIssues(r)
		s.routeSubscriptions(r)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe starts the HTTP server. The provided context becomes the
// base context of every request, so cancelling it on shutdown also cancels
// in-flight handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// apiKeyMiddleware enforces the configured API key. An empty key disables
// the check entirely, which is the expected mode for localhost daemons.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env.APIKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
