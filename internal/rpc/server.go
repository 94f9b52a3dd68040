package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jclem/work/internal/eventbus"
	"github.com/jclem/work/internal/logfile"
	"github.com/jclem/work/internal/storage"
)

// Server serves the HTTP API on a unix socket. The socket is trusted:
// filesystem permissions are the only boundary.
type Server struct {
	socketPath string
	store      storage.Store
	bus        *eventbus.Bus
	logs       *logfile.Dir
	log        *zap.Logger
	httpSrv    *http.Server
	ready      chan struct{}
}

// NewServer creates the server.
func NewServer(socketPath string, store storage.Store, bus *eventbus.Bus, logs *logfile.Dir, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		store:      store,
		bus:        bus,
		logs:       logs,
		log:        log,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start listens and serves until ctx is done, then shuts down
// gracefully. The daemon lock guarantees any existing socket file is
// stale, so it is removed unconditionally.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	close(s.ready)
	s.log.Info("listening", zap.String("socket", s.socketPath))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shCtx)
		_ = os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	r.HandleFunc("/projects/{name}", s.handleGetProject).Methods(http.MethodGet)
	r.HandleFunc("/projects/{name}", s.handleDeleteProject).Methods(http.MethodDelete)

	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/logs", s.handleTaskLogs).Methods(http.MethodGet)

	r.HandleFunc("/environments", s.handleListEnvs).Methods(http.MethodGet)
	r.HandleFunc("/environments", s.handleCreateEnv).Methods(http.MethodPost)
	r.HandleFunc("/environments/claim", s.handleClaimNextEnv).Methods(http.MethodPost)
	r.HandleFunc("/environments/{id}", s.handleGetEnv).Methods(http.MethodGet)
	r.HandleFunc("/environments/{id}", s.handleRemoveEnv).Methods(http.MethodDelete)
	r.HandleFunc("/environments/{id}/claim", s.handleClaimEnv).Methods(http.MethodPost)
	r.HandleFunc("/environments/{id}/update", s.handleUpdateEnv).Methods(http.MethodPost)
	r.HandleFunc("/environments/{id}/logs", s.handleEnvLogs).Methods(http.MethodGet)

	return r
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

// writeError maps the error kinds onto HTTP statuses: validation 400,
// not found 404, conflicting state 409, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case storage.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, ErrorBody{Error: err.Error()})
}

// decode parses a JSON request body.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &storage.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", PID: os.Getpid()})
}

// handleEvents streams entity-changed notifications as server-sent
// events. The stream is lossy; clients re-read the store to catch up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming unsupported"))
		return
	}

	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

// flushWriter flushes after every write so log streaming is live.
type flushWriter struct {
	w  io.Writer
	fl http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.fl.Flush()
	return n, err
}

// streamLogs serves an entity's log file, following when ?follow=true.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, kind, id string) {
	follow := r.URL.Query().Get("follow") == "true"
	fl, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	err := s.logs.Stream(r.Context(), kind, id, follow, flushWriter{w: w, fl: fl})
	if err != nil && !os.IsNotExist(err) && !errors.Is(err, context.Canceled) {
		s.log.Warn("log stream ended", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}
