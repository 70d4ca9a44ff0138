// Package api serves Mailroom's HTTP surface: the inbound email
// webhook, liveness and version probes, thread inspection, manual turn
// submission and the live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mailroom/internal/agent"
	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/thread"
)

// maxTurnBytes bounds the body of a manual turn submission.
const maxTurnBytes = 1 << 20

// RequestIDHeader carries the per-request id assigned by the logging
// middleware.
const RequestIDHeader = "X-Request-ID"

// Submitter queues user turns and reports in-flight runs.
// *agent.Dispatcher implements it.
type Submitter interface {
	Submit(conversationID, userTurn string) error
	Active() int
}

// HealthReporter reports dependency health. *connwatch.Manager
// implements it.
type HealthReporter interface {
	List() []connwatch.ServiceStatus
	Healthy() bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	threads   thread.Store
	submitter Submitter
	webhook   http.Handler
	events    *events.Bus
	health    HealthReporter
}

// NewServer creates a new API server. Dependencies are attached with
// the Set methods; routes whose dependency is missing answer 503.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
	}
}

// SetThreadStore configures the store read by the thread endpoint.
func (s *Server) SetThreadStore(store thread.Store) {
	s.threads = store
}

// SetSubmitter configures the dispatcher used for manual turns.
func (s *Server) SetSubmitter(sub Submitter) {
	s.submitter = sub
}

// SetWebhook mounts the inbound email webhook at /receive-email.
func (s *Server) SetWebhook(h http.Handler) {
	s.webhook = h
}

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.events = bus
}

// SetHealth configures the dependency health source.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Inbound
	mux.HandleFunc("POST /receive-email", s.handleReceiveEmail)

	// Health
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/health/services", s.handleServices)

	// Threads
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("POST /v1/threads/{id}/turns", s.handleTurnSubmit)

	// Events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the request log. It
// passes hijacking through so the event stream can upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleReceiveEmail(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}
	s.webhook.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{}
	for k, v := range buildinfo.Info() {
		info[k] = v
	}
	info["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	if s.submitter != nil {
		info["active_runs"] = s.submitter.Active()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"healthy":  true,
		"services": []connwatch.ServiceStatus{},
	}
	if s.health != nil {
		resp["healthy"] = s.health.Healthy()
		resp["services"] = s.health.List()
	}
	// Open /v1/events streams and the MQTT publisher each hold one
	// subscription.
	resp["event_subscribers"] = s.events.SubscriberCount()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	if s.threads == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "thread store not configured")
		return
	}

	id := r.PathValue("id")
	messages, ok, err := s.threads.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("thread load failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":       id,
		"messages": messages,
		"count":    len(messages),
	}, s.logger)
}

// TurnRequest is the body of POST /v1/threads/{id}/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleTurnSubmit(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	id := r.PathValue("id")
	if err := s.submitter.Submit(id, req.Message); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, agent.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		s.errorResponse(w, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"active":          s.submitter.Active(),
	}, s.logger)
}
