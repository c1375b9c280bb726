// Package apiserver exposes TaskFlow's HTTP surface over a queue.Backend,
// a storage.Storage, and a worker.Worker, grounded on the teacher's
// cmd/server/main.go router (middleware chaining, CORS, API-key auth) and
// on original_source/api_server.py's endpoint set and request/response
// shapes.
package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskflow/pkg/logger"
	"github.com/guido-cesarano/taskflow/pkg/queue"
	"github.com/guido-cesarano/taskflow/pkg/storage"
	"github.com/guido-cesarano/taskflow/pkg/task"
	"github.com/guido-cesarano/taskflow/pkg/worker"
)

// Server wires a queue.Backend, storage.Storage, and worker.Worker behind
// TaskFlow's REST API. It implements http.Handler.
type Server struct {
	queue   queue.Backend
	storage storage.Storage
	worker  *worker.Worker
	apiKey  string
	mux     *http.ServeMux
}

// New builds a Server and registers its routes. apiKey == "" disables
// authentication (teacher's dev-mode convention in cmd/server/main.go).
func New(q queue.Backend, s storage.Storage, w *worker.Worker, apiKey string) *Server {
	srv := &Server{queue: q, storage: s, worker: w, apiKey: apiKey}
	srv.mux = http.NewServeMux()
	srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// chain applies CORS first (so OPTIONS preflight never hits auth), then
// the request-logging middleware, then optional API-key auth, then the
// handler itself -- mirroring setupRouter's stated ordering in the
// teacher's cmd/server/main.go.
func (s *Server) chain(handler http.HandlerFunc) http.HandlerFunc {
	return enableCORS(s.logRequests(s.requireAPIKey(handler)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.chain(s.handleHealth))
	s.mux.HandleFunc("/tasks", s.chain(s.handleTasksCollection))
	s.mux.HandleFunc("/tasks/", s.chain(s.handleTaskItem))
	s.mux.HandleFunc("/stats", s.chain(s.handleStats))
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// logRequests stamps each request with a fresh request id and logs entry
// and exit with duration, per original_source/api_server.py's
// logging_middleware.
func (s *Server) logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		log := logger.WithRequestID(requestID)
		start := time.Now()

		log.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Msg("incoming request")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		log.Info().
			Int("status_code", rec.status).
			Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0).
			Msg("request completed")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- request/response shapes, mirroring api_server.py's pydantic models ---

type createTaskRequest struct {
	Name     string         `json:"name"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

type taskResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Priority     int            `json:"priority"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	RetryCount   int            `json:"retry_count,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func toResponse(t *task.Task) taskResponse {
	return taskResponse{
		ID:           t.ID,
		Name:         t.Name,
		Priority:     t.Priority,
		Payload:      t.Payload,
		Status:       string(t.Status),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		ErrorMessage: t.ErrorMessage,
	}
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	QueueSize     int       `json:"queue_size"`
	WorkerRunning bool      `json:"worker_running"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	size, err := s.queue.Size(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
		QueueSize:     size,
		WorkerRunning: s.worker != nil && s.worker.Running(),
	})
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Name) < task.MinNameLen || len(req.Name) > task.MaxNameLen {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}
	if req.Priority < task.MinPriority || req.Priority > task.MaxPriority {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 5")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	id, err := s.queue.Enqueue(r.Context(), req.Name, req.Priority, req.Payload)
	if err != nil {
		logger.Log.Error().Err(err).Msg("error creating task")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	t, err := s.queue.GetTask(r.Context(), id)
	if err != nil || t == nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var tasks []*task.Task
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		if !task.Valid(status) {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		tasks, err = s.queue.GetTasksByStatus(r.Context(), task.Status(status))
	} else {
		tasks, err = s.queue.GetAllTasks(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toResponse(t)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTaskItem dispatches /tasks/{id} and /tasks/{id}/status.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/tasks/"):]
	if path == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	const statusSuffix = "/status"
	if len(path) > len(statusSuffix) && path[len(path)-len(statusSuffix):] == statusSuffix {
		id := path[:len(path)-len(statusSuffix)]
		s.updateTaskStatus(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getTask(w, r, path)
	case http.MethodDelete:
		s.deleteTask(w, r, path)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.queue.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(t))
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !task.Valid(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	ok, err := s.queue.UpdateTaskStatus(r.Context(), id, task.Status(req.Status))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		if existing, gerr := s.queue.GetTask(r.Context(), id); gerr == nil && existing != nil {
			writeError(w, http.StatusBadRequest, "status transition not allowed")
			return
		}
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task status updated successfully"})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.queue.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if _, err := s.queue.DeleteTask(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if _, err := s.storage.DeleteTask(r.Context(), id); err != nil {
		logger.Log.Error().Err(err).Str("task_id", id).Msg("failed to delete task from storage")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted successfully"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	size, err := s.queue.Size(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	counts := map[string]int{}
	for _, st := range []task.Status{task.Pending, task.Processing, task.Completed, task.Failed} {
		tasks, err := s.queue.GetTasksByStatus(r.Context(), st)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		counts[string(st)] = len(tasks)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_size":     size,
		"worker_running": s.worker != nil && s.worker.Running(),
		"task_counts":    counts,
	})
}
