package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/fentz26/workflowd/internal/metrics"
	"github.com/fentz26/workflowd/internal/models"
)

// Version is reported by the health endpoint. It is set at link time.
var Version = "dev"

const (
	// maxEventBytes bounds the body of an injected event.
	maxEventBytes = 1 << 20
	// maxPullWait bounds how long a pull waits for a message.
	maxPullWait = 30 * time.Second
)

// Server provides the HTTP API for workflowd.
type Server struct {
	service *Service
	metrics *metrics.Metrics
	addr    string
	log     zerolog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. m may be nil, which disables /metrics.
func NewServer(service *Service, m *metrics.Metrics, addr string, log zerolog.Logger) *Server {
	return &Server{
		service: service,
		metrics: m,
		addr:    addr,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}/steps/{stepid:[0-9]+}/tasks", s.stepTasks).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{id:[0-9]+}", s.getTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id:[0-9]+}/unlock", s.unlockTask).Methods(http.MethodPost)

	r.HandleFunc("/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/events/{name}", s.sendEvent).Methods(http.MethodPost)
	r.HandleFunc("/queues/{name}/pull", s.pull).Methods(http.MethodPost)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("starting api")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if !s.service.Healthy(r.Context()) {
		health.OK = false
		health.DB = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Job Handlers ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, ErrInvalidID)
			return
		}
		limit = n
	}
	jobs, err := s.service.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.service.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) stepTasks(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stepID, err := pathID(r, "stepid")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.service.StepTasks(r.Context(), jobID, stepID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Task Handlers ---

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) unlockTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.UnlockTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Service Handlers ---

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.service.ListServices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

// --- Event Handlers ---

func (s *Server) sendEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		s.writeError(w, r, ErrInvalidBody)
		return
	}
	receipt, err := s.service.SendEvent(r.Context(), mux.Vars(r)["name"], body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// pull answers 204 when no message arrived within the wait, given in the
// wait query parameter as a Go duration.
func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	wait := time.Second
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, ErrInvalidWait)
			return
		}
		wait = d
	}
	if wait > maxPullWait {
		wait = maxPullWait
	}

	body, ok, err := s.service.Pull(r.Context(), mux.Vars(r)["name"], wait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	if err != nil {
		return 0, ErrInvalidID
	}
	return id, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
