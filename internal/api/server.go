// Package api implements the control surface: read-only device/profile
// listing, a manual run trigger, RuntimeState statistics, and the live
// progress websocket upgrade. Grounded on the teacher's chi-based
// internal/api.ControlServer.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meterfleet/internal/progress"
	"meterfleet/internal/runner"
	"meterfleet/internal/storage"
)

// Server is the admin/control HTTP API for the fleet engine.
type Server struct {
	store   *storage.Store
	bus     *progress.Bus
	audit   *AuditLogger
	logger  *slog.Logger
	runners map[string]*runner.Runner // keyed by device acronym
	router  *chi.Mux
}

// New builds the control server. runners is keyed by device acronym and
// is read-only from the server's perspective; the caller owns its
// lifecycle.
func New(store *storage.Store, bus *progress.Bus, audit *AuditLogger, logger *slog.Logger, runners map[string]*runner.Runner) *Server {
	s := &Server{
		store:   store,
		bus:     bus,
		audit:   audit,
		logger:  logger,
		runners: runners,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Start binds the loopback listener and serves in the background.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control API bind %s: %w", addr, err)
	}
	s.logger.Info("control API listening", "addr", addr)
	go func() {
		if err := http.Serve(listener, s.router); err != nil {
			s.logger.Error("control API stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.localhostOnly)
	s.router.Use(s.accessLog)

	s.router.Get("/v1/devices", s.handleListDevices)
	s.router.Get("/v1/devices/{acronym}/profiles", s.handleListProfiles)
	s.router.Get("/v1/devices/{acronym}/stats", s.handleDeviceStats)
	s.router.Post("/v1/devices/{acronym}/run", s.handleTriggerRun)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/ws/progress", s.handleProgressWS)
}

// localhostOnly rejects everything but loopback traffic, matching the
// teacher's own localhost-enforcement posture for its control surface.
func (s *Server) localhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			s.audit.Log(host, r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusForbidden, "external access denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		s.audit.Log(host, r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusOK, "")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Devices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	acronym := chi.URLParam(r, "acronym")
	device, ok := s.deviceByAcronym(acronym)
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	profiles, err := s.store.Profiles(device.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, profiles)
}

// statsResponse mirrors runner.RuntimeState's exported counters as a flat,
// JSON-friendly snapshot.
type statsResponse struct {
	Enabled               bool  `json:"enabled"`
	AttemptedConnections  int64 `json:"attempted_connections"`
	SuccessfulConnections int64 `json:"successful_connections"`
	FailedConnections     int64 `json:"failed_connections"`
	AttemptedDialUps      int64 `json:"attempted_dial_ups"`
	SuccessfulDialUps     int64 `json:"successful_dial_ups"`
	FailedDialUps         int64 `json:"failed_dial_ups"`
	TotalProcessedFiles   int64 `json:"total_processed_files"`
	FilesDownloaded       int64 `json:"files_downloaded"`
	TotalFilesDownloaded  int64 `json:"total_files_downloaded"`
	BytesDownloaded       int64 `json:"bytes_downloaded"`
	OverallTasksCount     int64 `json:"overall_tasks_count"`
	OverallTasksCompleted int64 `json:"overall_tasks_completed"`
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	acronym := chi.URLParam(r, "acronym")
	run, ok := s.runners[acronym]
	if !ok {
		http.Error(w, "device not registered", http.StatusNotFound)
		return
	}
	st := run.State
	writeJSON(w, statsResponse{
		Enabled:               st.Enabled.Load(),
		AttemptedConnections:  st.AttemptedConnections.Load(),
		SuccessfulConnections: st.SuccessfulConnections.Load(),
		FailedConnections:     st.FailedConnections.Load(),
		AttemptedDialUps:      st.AttemptedDialUps.Load(),
		SuccessfulDialUps:     st.SuccessfulDialUps.Load(),
		FailedDialUps:         st.FailedDialUps.Load(),
		TotalProcessedFiles:   st.TotalProcessedFiles.Load(),
		FilesDownloaded:       st.FilesDownloaded.Load(),
		TotalFilesDownloaded:  st.TotalFilesDownloaded.Load(),
		BytesDownloaded:       st.BytesDownloaded.Load(),
		OverallTasksCount:     st.OverallTasksCount.Load(),
		OverallTasksCompleted: st.OverallTasksCompleted.Load(),
	})
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	acronym := chi.URLParam(r, "acronym")
	run, ok := s.runners[acronym]
	if !ok {
		http.Error(w, "device not registered", http.StatusNotFound)
		return
	}
	run.TriggerNow()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "running",
		"devices":     len(s.runners),
		"subscribers": s.bus.SubscriberCount(),
	})
}

func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	s.bus.ServeWS(w, r, clientID)
}

func (s *Server) deviceByAcronym(acronym string) (storage.Device, bool) {
	devices, err := s.store.Devices()
	if err != nil {
		return storage.Device{}, false
	}
	for _, d := range devices {
		if d.Acronym == acronym {
			return d, true
		}
	}
	return storage.Device{}, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
