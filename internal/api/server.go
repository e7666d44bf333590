// Package api serves the planner over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/scheduler"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/pkg/client"
)

// maxBodyBytes bounds request bodies; fan-out tasks carry one entry per recipient
const maxBodyBytes = 8 << 20

// Server routes HTTP requests to a planner client
type Server struct {
	r       *chi.Mux
	client  *client.Client
	metrics *metrics.Collector
	log     logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithMetrics serves m on /metrics instead of the global collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger replaces the default logger
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l.WithComponent(logger.ComponentAPI) }
}

// NewServer builds the router
func NewServer(c *client.Client, opts ...Option) *Server {
	s := &Server{
		r:       chi.NewRouter(),
		client:  c,
		metrics: metrics.Default(),
		log:     logger.Default().WithComponent(logger.ComponentAPI),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	s.r.Get("/health", s.health)
	s.r.Handle("/metrics", s.metrics.Handler())

	s.r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.scheduleTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/pending", s.listPending)
		r.Post("/tasks/cleanup", s.cleanup)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/status", s.getStatus)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Patch("/tasks/{id}", s.rescheduleTask)
		r.Get("/stats", s.stats)
		r.Get("/engine", s.engineStatus)
		r.Get("/handlers", s.handlers)
	})
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(logger.NewWriter(s.log, logger.LevelWarn), "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening", "address", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

// response is the envelope every /api endpoint answers with
type response struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type scheduleRequest struct {
	Type                   string            `json:"type"`
	Data                   task.Data         `json:"data"`
	ExecuteAt              time.Time         `json:"executeAt"`
	Priority               string            `json:"priority"`
	RetryPolicy            *task.RetryPolicy `json:"retryPolicy"`
	SendIndividualMessages bool              `json:"send_individual_messages"`
	// Recipients are decoded loosely so malformed entries get a validation
	// message naming the field
	PerUserVariables any            `json:"per_user_variables"`
	RecipientCount   any            `json:"recipient_count"`
	Metadata         map[string]any `json:"metadata"`
}

type rescheduleRequest struct {
	ExecuteAt time.Time `json:"executeAt"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	perUser, err := task.ParseRecipients(req.PerUserVariables)
	if err != nil {
		s.fail(w, err)
		return
	}
	count, err := task.ParseRecipientCount(req.RecipientCount)
	if err != nil {
		s.fail(w, err)
		return
	}

	id, err := s.client.Schedule(r.Context(), scheduler.Input{
		Type:                   task.Type(req.Type),
		Data:                   req.Data,
		ExecuteAt:              req.ExecuteAt,
		Priority:               task.Priority(req.Priority),
		RetryPolicy:            req.RetryPolicy,
		SendIndividualMessages: req.SendIndividualMessages,
		PerUserVariables:       perUser,
		RecipientCount:         count,
		Metadata:               req.Metadata,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, response{Success: true, TaskID: id, Message: "Task scheduled"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.client.ListAllTasks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: tasks})
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.client.ListPendingTasks(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.client.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, TaskID: id, Data: t})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info := s.client.GetStatus(r.Context(), id)
	if info == nil {
		s.fail(w, task.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, TaskID: id, Data: info})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.client.Cancel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, TaskID: id, Message: "Task cancelled"})
}

func (s *Server) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rescheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.client.Reschedule(r.Context(), id, req.ExecuteAt); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, TaskID: id, Message: "Task rescheduled"})
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Cleanup(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("Removed %d tasks", n),
		Data:    map[string]int{"removed": n},
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.client.GetStats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: st})
}

func (s *Server) engineStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: s.client.Engine().Status()})
}

func (s *Server) handlers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: s.client.Registry().Stats()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid request body", Error: err.Error()})
		return false
	}
	return true
}

// fail maps a domain error onto a status code and the envelope
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := response{Error: err.Error()}
	var te *task.Error
	if errors.As(err, &te) {
		resp.Message = te.Message
		if te.Err != nil {
			resp.Error = te.Err.Error()
		}
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	switch task.KindOf(err) {
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindConflict:
		return http.StatusConflict
	case task.KindHandlerMissing:
		return http.StatusUnprocessableEntity
	case task.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
