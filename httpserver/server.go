package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/runboxd/runbox/admission"
	"github.com/runboxd/runbox/config"
	"github.com/runboxd/runbox/executor"
	"github.com/runboxd/runbox/sandbox"
)

// Engine is the execution engine surface the server depends on
type Engine interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
	Languages() []string
	Stats() admission.Stats
}

// Server is the HTTP server for the execution API
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	engine Engine
	router chi.Router
	http   *http.Server
}

// New creates a new Server
func New(cfg *config.Config, logger *zap.Logger, engine Engine) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(jsonContentType)

	// Liveness and banner are unauthenticated: the replica manager's
	// probes carry no credentials
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/execute", s.handleExecute)
		r.Get("/languages", s.handleLanguages)
	})
}

// jsonContentType sets Content-Type to application/json for all routes
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// bearerAuth rejects requests without the configured bearer token. The
// comparison is constant-time; no execution resource is touched before
// this check passes.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AuthToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeJSON(w, http.StatusUnauthorized, executeResponse{
				Status:    string(executor.StatusRejected),
				ErrorKind: string(executor.KindAuth),
				Err:       "invalid or missing bearer token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// executeRequest is the POST /execute body
type executeRequest struct {
	Language         string   `json:"language"`
	Code             string   `json:"code"`
	TimeoutSec       int      `json:"timeout,omitempty"`
	Packages         []string `json:"packages,omitempty"`
	UseSharedDataset bool     `json:"use_shared_dataset,omitempty"`
}

// executeResponse is the stable response contract
type executeResponse struct {
	Status          string  `json:"status"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        *int    `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
	Truncated       bool    `json:"truncated"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	Err             string  `json:"error,omitempty"`
	Retryable       bool    `json:"retryable,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, executeResponse{
			Status:    string(executor.StatusRejected),
			ErrorKind: string(executor.KindValidation),
			Err:       "invalid request body: " + err.Error(),
		})
		return
	}

	if body.TimeoutSec < 0 {
		s.writeJSON(w, http.StatusBadRequest, executeResponse{
			Status:    string(executor.StatusRejected),
			ErrorKind: string(executor.KindValidation),
			Err:       "timeout must not be negative",
		})
		return
	}

	result := s.engine.Execute(r.Context(), executor.Request{
		Language:   sandbox.Language(body.Language),
		Code:       body.Code,
		Timeout:    time.Duration(body.TimeoutSec) * time.Second,
		Packages:   body.Packages,
		UseDataset: body.UseSharedDataset,
	})

	if result.ErrorKind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	s.writeJSON(w, statusCodeFor(result), responseFor(result))
}

// statusCodeFor maps a result onto an HTTP status. Code-level failures
// and timeouts are successful executions of the service contract and
// stay 200; only service-side conditions use error codes.
func statusCodeFor(result executor.Result) int {
	switch result.ErrorKind {
	case executor.KindValidation:
		return http.StatusBadRequest
	case executor.KindAdmissionRejected, executor.KindQueueTimeout:
		return http.StatusTooManyRequests
	case executor.KindProvision:
		return http.StatusServiceUnavailable
	case executor.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func responseFor(result executor.Result) executeResponse {
	return executeResponse{
		Status:          string(result.Status),
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		DurationSeconds: result.Duration.Seconds(),
		Truncated:       result.Truncated,
		ErrorKind:       string(result.ErrorKind),
		Err:             result.Err,
		Retryable:       result.ErrorKind.Retryable(),
		SessionID:       result.SessionID,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": stats.InFlight,
		"waiting":   stats.Waiting,
		"limit":     stats.Limit,
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"languages": s.engine.Languages(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":        "runbox",
		"authentication": "required",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// Router returns the HTTP handler, exposed for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, letting in-flight requests drain
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.http.Shutdown(ctx)
}
