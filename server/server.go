// Package server exposes the manager over JSON/HTTP: the routes of the v0
// API, the x-api-key check and the request id middleware.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/health"

	"github.com/exospherehost/state-manager/manager"
	"github.com/exospherehost/state-manager/state"
	"github.com/exospherehost/state-manager/telemetry"
)

// Options configures the HTTP server.
type Options struct {
	Service *manager.Service
	// APIKey is the value the x-api-key header must match on every
	// namespaced route.
	APIKey string
	Logger telemetry.Logger
	// Health lists the dependencies /health pings; empty means the probe
	// always reports healthy.
	Health []health.Pinger
}

// Server is the HTTP façade over the manager service.
type Server struct {
	svc     *manager.Service
	logger  telemetry.Logger
	checker health.Checker
	mux     *chi.Mux
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		svc:     opts.Service,
		logger:  opts.Logger,
		checker: health.NewChecker(opts.Health...),
	}

	mux := chi.NewRouter()
	mux.Use(requestID)
	mux.Get("/health", s.handleHealth)
	mux.With(apiKey(opts.APIKey)).Get("/v0/namespaces", s.handleListNamespaces)
	mux.Route("/v0/namespace/{namespace}", func(r chi.Router) {
		r.Use(apiKey(opts.APIKey))
		r.Post("/nodes/", s.handleRegisterNodes)
		r.Get("/nodes/", s.handleListNodes)
		r.Get("/graphs/", s.handleListGraphs)
		r.Put("/graph/{graph_name}", s.handleUpsertGraph)
		r.Get("/graph/{graph_name}", s.handleGetGraph)
		r.Post("/graph/{graph_name}/trigger", s.handleTrigger)
		r.Post("/graph/{graph_name}/triggers/cancel", s.handleCancelTriggers)
		r.Post("/states/enqueue", s.handleEnqueue)
		r.Post("/states/{state_id}/executed", s.handleExecuted)
		r.Post("/states/{state_id}/errored", s.handleErrored)
		r.Post("/states/{state_id}/manual-retry", s.handleManualRetry)
		r.Post("/states/{state_id}/prune", s.handlePrune)
		r.Post("/states/{state_id}/re-enqueue-after", s.handleReEnqueueAfter)
		r.Get("/states/{state_id}/secrets", s.handleStateSecrets)
		r.Get("/runs/{run_id}/states", s.handleStatesByRun)
		r.Get("/runs/{run_id}/nodes/{state_id}", s.handleNodeDetails)
		r.Get("/runs/{run_id}/graph", s.handleRunStructure)
		r.Get("/runs/{page}/{size}", s.handleListRuns)
	})
	s.mux = mux
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if report, healthy := s.checker.Check(r.Context()); !healthy {
		s.logger.Error(r.Context(), "health check failed", "status", report.Status)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

func (s *Server) handleRegisterNodes(w http.ResponseWriter, r *http.Request) {
	var req manager.RegisterNodesRequest
	if !decode(w, r, &req) {
		return
	}
	keys, err := s.svc.RegisterNodes(r.Context(), chi.URLParam(r, "namespace"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleUpsertGraph(w http.ResponseWriter, r *http.Request) {
	var req manager.UpsertGraphRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := s.svc.UpsertGraph(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "graph_name"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetGraph(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "graph_name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req manager.TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.svc.TriggerGraph(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "graph_name"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req manager.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	claimed, err := s.svc.Enqueue(r.Context(), chi.URLParam(r, "namespace"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claimed == nil {
		claimed = []*state.State{}
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outputs []map[string]any `json:"outputs"`
	}
	if !decode(w, r, &req) {
		return
	}
	err := s.svc.Executed(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"), req.Outputs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": state.Executed})
}

func (s *Server) handleErrored(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error string `json:"error"`
	}
	if !decode(w, r, &req) {
		return
	}
	retryCreated, err := s.svc.Errored(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"), req.Error)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": state.Errored, "retry_created": retryCreated})
}

func (s *Server) handleManualRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FanoutID string `json:"fanout_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	retry, err := s.svc.ManualRetry(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"), req.FanoutID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": retry.ID, "status": retry.Status})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req manager.PruneRequest
	if !decode(w, r, &req) {
		return
	}
	pruned, err := s.svc.Prune(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        pruned.Status,
		"enqueue_after": pruned.EnqueueAfter,
	})
}

func (s *Server) handleReEnqueueAfter(w http.ResponseWriter, r *http.Request) {
	var req manager.ReEnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	requeued, err := s.svc.ReEnqueueAfter(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        requeued.Status,
		"enqueue_after": requeued.EnqueueAfter,
	})
}

func (s *Server) handleStateSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.svc.StateSecrets(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "state_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ListNodes(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.svc.ListGraphs(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := s.svc.ListNamespaces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (s *Server) handleCancelTriggers(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.CancelTriggers(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "graph_name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		s.writeError(w, r, &manager.APIError{Code: manager.CodeInvalidInput, Message: "page must be an integer"})
		return
	}
	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	if err != nil {
		s.writeError(w, r, &manager.APIError{Code: manager.CodeInvalidInput, Message: "size must be an integer"})
		return
	}
	runs, err := s.svc.ListRuns(r.Context(), chi.URLParam(r, "namespace"), page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStatesByRun(w http.ResponseWriter, r *http.Request) {
	states, err := s.svc.StatesByRun(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "run_id"), r.URL.Query().Get("identifier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []*state.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleNodeDetails(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.NodeDetails(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "run_id"), chi.URLParam(r, "state_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunStructure(w http.ResponseWriter, r *http.Request) {
	structure, err := s.svc.GetRunStructure(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, structure)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := manager.AsAPIError(err)
	if apiErr.Code == manager.CodeInternal {
		s.logger.Error(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, apiErr.HTTPStatus(), map[string]string{
		"code":    string(apiErr.Code),
		"message": apiErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(manager.CodeInvalidInput),
			"message": fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}
