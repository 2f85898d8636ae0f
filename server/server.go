package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/cantart/batchloader/jobs"
)

// Config is threaded in explicitly; handlers never read ambient process
// state.
type Config struct {
	Port     int
	TestMode bool
}

// Server exposes the scheduler-facing trigger endpoints: a health check and
// one POST route per registered job.
type Server struct {
	cfg      Config
	registry *jobs.Registry
	router   *mux.Router
}

func New(cfg Config, registry *jobs.Registry) *Server {
	s := &Server{cfg: cfg, registry: registry, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/run/{job}", s.handleRun).Methods(http.MethodPost)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving the trigger endpoints.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Infof("trigger server listening on %s (test_mode=%v)", addr, s.cfg.TestMode)
	return http.ListenAndServe(addr, s.router)
}

// envelope is the standard JSON response shape.
func (s *Server) envelope(status string) map[string]any {
	return map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"test_mode": s.cfg.TestMode,
	}
}

func (s *Server) respond(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.envelope("healthy"))
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	body := s.envelope("healthy")
	endpoints := []string{"GET  /health"}
	for _, name := range s.registry.Names() {
		endpoints = append(endpoints, "POST /run/"+name)
	}
	body["endpoints"] = endpoints
	s.respond(w, http.StatusOK, body)
}

// triggerBody is the optional POST payload: dry_run plus arbitrary extra
// keys passed through to the job.
func decodeTriggerBody(r *http.Request) jobs.Params {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil || raw == nil {
		return jobs.Params{}
	}
	params := jobs.Params{Extra: make(map[string]any)}
	for key, value := range raw {
		if key == "dry_run" {
			if dryRun, ok := value.(bool); ok {
				params.DryRun = dryRun
			}
			continue
		}
		params.Extra[key] = value
	}
	return params
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	job, ok := s.registry.Get(name)
	if !ok {
		body := s.envelope("error")
		body["error"] = fmt.Sprintf("unknown job %q", name)
		s.respond(w, http.StatusNotFound, body)
		return
	}

	params := decodeTriggerBody(r)
	if s.cfg.TestMode {
		params.DryRun = true
	}

	log.Infof("=== job %s started ===", name)
	result, err := job.Run(r.Context(), params)
	if err != nil {
		// The envelope carries the stringified error only; details stay in
		// the server log.
		log.Errorf("job %s failed: %+v", name, err)
		body := s.envelope("error")
		body["error"] = err.Error()
		s.respond(w, http.StatusInternalServerError, body)
		return
	}

	log.Infof("job %s finished: %v", name, result)
	body := s.envelope("success")
	body["result"] = result
	s.respond(w, http.StatusOK, body)
}
