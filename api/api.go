// Package api exposes the engine, the pump states and the run history over
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"github.com/gorilla/mux"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/history"
	"github.com/jt05610/echemlab/program"
	"github.com/jt05610/echemlab/pump"
	"go.uber.org/zap"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxProgramSize = 1 << 20

type Controller interface {
	Load(p *program.Program) error
	Start(combo bool) error
	Stop() error
	Pause() error
	Resume() error
	NextCombo() error
	ResetCombo() error
	EmergencyStop() error
	Status() engine.Status
	Progress() engine.Progress
	Program() *program.Program
}

type Pumps interface {
	States() []pump.State
}

type History interface {
	List() ([]history.Record, error)
	Get(id string) (history.Record, error)
}

type Server struct {
	logger  *zap.Logger
	ctrl    Controller
	pumps   Pumps
	history History
}

// New builds the handler set. pumps and hist may be nil; their routes then
// answer 404.
func New(logger *zap.Logger, ctrl Controller, pumps Pumps, hist History) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, ctrl: ctrl, pumps: pumps, history: hist}
}

// LoadAPI registers the endpoints under /api.
func (s *Server) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api").Subrouter()
	sr.HandleFunc("/status", s.status).Methods("GET")
	sr.HandleFunc("/program", s.getProgram).Methods("GET")
	sr.HandleFunc("/program", s.putProgram).Methods("PUT", "POST")
	sr.HandleFunc("/start", s.start).Methods("POST")
	sr.HandleFunc("/stop", s.action(s.ctrl.Stop)).Methods("POST")
	sr.HandleFunc("/pause", s.action(s.ctrl.Pause)).Methods("POST")
	sr.HandleFunc("/resume", s.action(s.ctrl.Resume)).Methods("POST")
	sr.HandleFunc("/combo/next", s.action(s.ctrl.NextCombo)).Methods("POST")
	sr.HandleFunc("/combo/reset", s.action(s.ctrl.ResetCombo)).Methods("POST")
	sr.HandleFunc("/emergency_stop", s.action(s.ctrl.EmergencyStop)).Methods("POST")
	sr.HandleFunc("/pumps", s.pumpStates).Methods("GET")
	sr.HandleFunc("/history", s.historyList).Methods("GET")
	sr.HandleFunc("/history/{id}", s.historyOne).Methods("GET")
}

// Router returns a router carrying only the API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.LoadAPI(r)
	return r
}

func code(err error) int {
	switch {
	case errors.Is(err, echemlab.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrNotRunning), errors.Is(err, engine.ErrNoProgram):
		return http.StatusConflict
	case errors.Is(err, echemlab.ErrPort), errors.Is(err, echemlab.ErrInstrument):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	c := code(err)
	if c >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, err.Error(), c)
}

func (s *Server) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.write(w, s.ctrl.Progress())
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	p := s.ctrl.Program()
	if p == nil {
		s.fail(w, r, engine.ErrNoProgram)
		return
	}
	s.write(w, p)
}

func (s *Server) putProgram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProgramSize))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	parse := program.Parse
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		parse = program.ParseYAML
	}
	p, err := parse(body)
	if err != nil {
		s.fail(w, r, errors.Join(echemlab.ErrValidation, err))
		return
	}
	if err := s.ctrl.Load(p); err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, s.ctrl.Status())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	combo := false
	if v := r.URL.Query().Get("combo"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, r, errors.Join(echemlab.ErrValidation, err))
			return
		}
		combo = b
	}
	if err := s.ctrl.Start(combo); err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, s.ctrl.Status())
}

func (s *Server) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			s.fail(w, r, err)
			return
		}
		s.write(w, s.ctrl.Status())
	}
}

func (s *Server) pumpStates(w http.ResponseWriter, r *http.Request) {
	if s.pumps == nil {
		http.NotFound(w, r)
		return
	}
	s.write(w, s.pumps.States())
}

func (s *Server) historyList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	recs, err := s.history.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(recs) {
		recs = recs[:n]
	}
	s.write(w, recs)
}

func (s *Server) historyOne(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	rec, err := s.history.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, rec)
}
