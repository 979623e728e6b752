// Package httpapi expõe consulta de saúde/status e envio de comandos por
// HTTP, mais o feed de eventos por websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sua-org/nvr-supervisor/internal/config"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/events"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

const maxBody = 64 * 1024

// Fleet é o que a API usa do supervisor.
type Fleet interface {
	Snapshot() []health.Status
	State(cameraID string) (core.State, bool)
	Terminated() []string
	Dispatch(cameraID string, cmd protocol.Command) error
	AddWorker(spec core.CameraSpec) error
	RemoveWorker(cameraID string) error
}

type Server struct {
	fleet   Fleet
	bus     *events.Bus
	metrics http.Handler
	started time.Time
	now     func() time.Time
}

func NewServer(fleet Fleet, bus *events.Bus, metrics http.Handler) *Server {
	return &Server{fleet: fleet, bus: bus, metrics: metrics, started: time.Now(), now: time.Now}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.getHealth)
	r.Get("/status", s.getStatus)
	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.listWorkers)
		r.Post("/", s.addWorker)
		r.Get("/{id}", s.getWorker)
		r.Delete("/{id}", s.removeWorker)
		r.Post("/{id}/commands", s.postCommand)
	})
	if s.bus != nil {
		r.Get("/events/ws", s.serveEvents)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// ListenAndServe roda até ctx acabar e então encerra com graça.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] ouvindo em %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	sum := health.Summarize(s.fleet.Snapshot())
	pct := 0.0
	if sum.Total > 0 {
		pct = float64(sum.Running*1000/sum.Total) / 10
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    sum.Status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"workers": map[string]any{
			"healthy":    sum.Running,
			"total":      sum.Total,
			"percentage": pct,
		},
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.fleet.Snapshot()
	workers := make(map[string]health.Status, len(snap))
	for _, st := range snap {
		workers[st.CameraID] = st
	}
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"supervisor": map[string]any{
			"timestamp":      now.UTC().Format(time.RFC3339),
			"uptime_seconds": int(now.Sub(s.started).Seconds()),
			"workers":        len(snap),
			"terminated":     s.fleet.Terminated(),
		},
		"workers": workers,
	})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Snapshot())
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, st := range s.fleet.Snapshot() {
		if st.CameraID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	// sem registro: pode estar em backoff sem processo ou já encerrado
	if state, ok := s.fleet.State(id); ok {
		writeJSON(w, http.StatusOK, health.Status{CameraID: id, State: state})
		return
	}
	writeError(w, http.StatusNotFound, "worker "+id+" not found")
}

type commandRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	verb, err := protocol.ParseVerb(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd, err := protocol.NewCommand(verb, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.fleet.Dispatch(id, cmd); err != nil {
		writeError(w, dispatchStatus(err), err.Error())
		return
	}
	log.Printf("[api] comando %s enfileirado para %s", verb, id)
	writeJSON(w, http.StatusAccepted, map[string]string{"camera_id": id, "command": string(verb), "status": "queued"})
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) addWorker(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || strings.TrimSpace(head.ID) == "" {
		writeError(w, http.StatusBadRequest, "body must be a json camera with an id")
		return
	}
	spec, err := config.ParseCamera(head.ID, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.fleet.AddWorker(spec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"camera_id": spec.ID, "status": "starting"})
	case errors.Is(err, supervisor.ErrDuplicateWorker):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrClosing):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, supervisor.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		// processo não subiu; o supervisor tenta de novo a partir do backoff
		writeJSON(w, http.StatusAccepted, map[string]string{"camera_id": spec.ID, "status": "backoff", "error": err.Error()})
	}
}

func (s *Server) removeWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.fleet.RemoveWorker(id); err != nil {
		if errors.Is(err, supervisor.ErrUnknownWorker) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"camera_id": id, "status": "stopping"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] erro ao escrever resposta: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
