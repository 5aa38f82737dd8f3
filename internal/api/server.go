// Package api exposes the HTTP interface for the capture service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gated-doc-capture/internal/admission"
	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/metrics"
	"github.com/JakeFAU/gated-doc-capture/internal/orchestrator"
)

// Jobs registers, reports on, and cancels capture jobs.
type Jobs interface {
	Submit(req capture.Request) (*orchestrator.Job, error)
	Get(id string) (orchestrator.Status, bool)
	Cancel(id string) error
	Abort(ctx context.Context, job *orchestrator.Job, cause error)
}

// Admitter decides whether a new job may start.
type Admitter interface {
	TryAdmit(requesterID string) admission.Decision
	Release(requesterID string)
	Stats() admission.Stats
}

// Enqueuer hands admitted jobs to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, item capture.QueueItem) error
}

// History looks up finished jobs that are no longer registered.
type History interface {
	LookupJob(ctx context.Context, id string) (capture.JobRecord, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required in X-API-Key on every /v1 route.
	APIKey string
	// AllowedHosts restricts document locators to these hosts.
	AllowedHosts []string
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
	// EnqueueTimeout bounds how long a submission waits for queue space.
	EnqueueTimeout time.Duration
}

// Deps are the server's collaborators. History and ReadyChecks are optional.
type Deps struct {
	Jobs        Jobs
	Admission   Admitter
	Queue       Enqueuer
	History     History
	Clock       capture.Clock
	ReadyChecks map[string]ReadyCheck
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the orchestrator and the work queue.
type Server struct {
	router  chi.Router
	cfg     Config
	deps    Deps
	locator capture.LocatorParser
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Jobs == nil || deps.Admission == nil || deps.Queue == nil || deps.Clock == nil {
		return nil, errors.New("jobs, admission, queue, and clock are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		locator: capture.LocatorParser{AllowedHosts: cfg.AllowedHosts},
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/admission", s.admissionStats)
		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.submitCapture)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getCapture)
				r.Post("/cancel", s.cancelCapture)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.deps.ReadyChecks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) admissionStats(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Admission.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight":  st.InFlight,
		"requesters": st.Requesters,
		"admitted":   st.Admitted,
		"denied":     st.Denied,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
