// Package server exposes the orchestration engine over HTTP. Submissions and
// cancellations are acknowledged immediately; the engine does the work
// asynchronously and clients poll epic status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/engine"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/deepnoodle-ai/epic/store"
)

// Options configures a Server.
type Options struct {
	Engine *engine.Engine
	Addr   string
	Logger slogger.Logger
}

// Server is the HTTP front end for the engine.
type Server struct {
	engine *engine.Engine
	addr   string
	logger slogger.Logger
	server *http.Server
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Server{
		engine: opts.Engine,
		addr:   opts.Addr,
		logger: opts.Logger,
	}, nil
}

// Handler returns the route table. Exposed so tests can drive the API with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /epics", s.handleSubmit)
	mux.HandleFunc("GET /epics", s.handleList)
	mux.HandleFunc("GET /epics/{id}", s.handleStatus)
	mux.HandleFunc("POST /epics/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /approvals/{id}/decide", s.handleDecide)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start runs the HTTP server until ListenAndServe returns.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// submitRequest is the body of POST /epics.
type submitRequest struct {
	Request     string           `json:"request"`
	BudgetLimit float64          `json:"budget_limit"`
	Policy      epic.PolicyFlags `json:"policy"`
}

type submitResponse struct {
	EpicID string `json:"epic_id"`
	Phase  string `json:"phase"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	epicID, err := s.engine.Submit(r.Context(), body.Request, body.BudgetLimit, body.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{EpicID: epicID, Phase: string(epic.PhasePlanning)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.EpicFilter{}
	if phase := r.URL.Query().Get("phase"); phase != "" {
		p := epic.Phase(phase)
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown phase %q", phase))
			return
		}
		filter.Phase = p
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	states, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	summaries := make([]epicSummary, len(states))
	for i, state := range states {
		summaries[i] = summarize(state)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"epics": summaries})
}

// epicSummary is the list-view projection of an epic.
type epicSummary struct {
	EpicID      string     `json:"epic_id"`
	Phase       epic.Phase `json:"phase"`
	Request     string     `json:"request"`
	StepsTotal  int        `json:"steps_total"`
	StepsDone   int        `json:"steps_done"`
	Spent       float64    `json:"spent"`
	BudgetLimit float64    `json:"budget_limit"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func summarize(state *epic.EpicState) epicSummary {
	return epicSummary{
		EpicID:      state.ID,
		Phase:       state.Phase,
		Request:     state.Request,
		StepsTotal:  len(state.PlannedSteps),
		StepsDone:   len(state.CompletedSteps),
		Spent:       state.Ledger.Spent,
		BudgetLimit: state.Ledger.Limit,
		LastError:   state.LastError,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, epic.ErrEpicNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	epicID := r.PathValue("id")
	err := s.engine.Cancel(r.Context(), epicID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"epic_id": epicID, "status": "cancelling"})
	case errors.Is(err, epic.ErrEpicNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, epic.ErrTerminalPhase):
		writeError(w, http.StatusConflict, err)
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	request, err := s.engine.Approvals().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, epic.ErrApprovalNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// decideRequest is the body of POST /approvals/{id}/decide.
type decideRequest struct {
	Decision epic.ApprovalDecision `json:"decision"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	request, err := s.engine.DecideApproval(r.Context(), r.PathValue("id"), body.Decision)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, request)
	case errors.Is(err, epic.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, epic.ErrApprovalConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
