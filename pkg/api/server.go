package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/campaign"
	"github.com/droverlabs/drover/pkg/hitl"
	"github.com/droverlabs/drover/pkg/log"
	"github.com/droverlabs/drover/pkg/metrics"
	"github.com/droverlabs/drover/pkg/store"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrUnknownTenant is returned by a Backend for a tenant it does not run.
var ErrUnknownTenant = errors.New("api: unknown tenant")

// Backend is what the operator surface needs from the running fleet. The
// fleet supervisor implements it; tests substitute fakes.
type Backend interface {
	// PendingHITL lists items waiting on an operator, oldest first.
	PendingHITL(tenantID string, limit, offset int) ([]*types.HITLItem, error)

	// DecideHITL applies an operator verdict to a parked item.
	DecideHITL(ctx context.Context, tenantID, taskID string, verdict types.HITLVerdict, editedPayload map[string]interface{}, reason string) error

	// Summary snapshots one tenant's component states, queue depths, and
	// budget burn.
	Summary(ctx context.Context, tenantID string) (*types.FleetSummary, error)

	// InjectGoals appends goals to a campaign and triggers planning.
	InjectGoals(ctx context.Context, tenantID, campaignID string, goals []string) ([]*types.Task, error)
}

// Server is the operator HTTP surface.
type Server struct {
	backend Backend
	mux     *http.ServeMux
	logger  zerolog.Logger
}

func NewServer(backend Backend) *Server {
	s := &Server{
		backend: backend,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/hitl", s.handlePendingHITL)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/hitl/{task_id}/decision", s.handleHITLDecision)
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/fleet", s.handleFleetSummary)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/campaigns/{campaign}/goals", s.handleInjectGoals)
	return s
}

// Handler exposes the routing table, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks serving the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC()}, "healthz")
}

type hitlListResponse struct {
	TenantID string            `json:"tenant_id"`
	Items    []*types.HITLItem `json:"items"`
	Count    int               `json:"count"`
}

func (s *Server) handlePendingHITL(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	items, err := s.backend.PendingHITL(tenant, limit, offset)
	if err != nil {
		s.writeBackendError(w, err, "hitl_list")
		return
	}
	writeJSON(w, http.StatusOK, hitlListResponse{TenantID: tenant, Items: items, Count: len(items)}, "hitl_list")
}

type decisionRequest struct {
	Verdict       types.HITLVerdict      `json:"verdict"`
	EditedPayload map[string]interface{} `json:"edited_payload,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

type decisionResponse struct {
	TaskID  string            `json:"task_id"`
	Verdict types.HITLVerdict `json:"verdict"`
}

func (s *Server) handleHITLDecision(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	taskID := r.PathValue("task_id")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "hitl_decision")
		return
	}
	if !req.Verdict.Valid() {
		writeError(w, http.StatusBadRequest, "verdict must be approve, reject_retry, or reject_drop", "hitl_decision")
		return
	}

	err := s.backend.DecideHITL(r.Context(), tenant, taskID, req.Verdict, req.EditedPayload, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, decisionResponse{TaskID: taskID, Verdict: req.Verdict}, "hitl_decision")
	case errors.Is(err, hitl.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "hitl_decision")
	case errors.Is(err, hitl.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, err.Error(), "hitl_decision")
	default:
		s.writeBackendError(w, err, "hitl_decision")
	}
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	summary, err := s.backend.Summary(r.Context(), tenant)
	if err != nil {
		s.writeBackendError(w, err, "fleet_summary")
		return
	}
	writeJSON(w, http.StatusOK, summary, "fleet_summary")
}

type goalsRequest struct {
	Goals []string `json:"goals"`
}

type goalsResponse struct {
	CampaignID string `json:"campaign_id"`
	Planned    int    `json:"planned_tasks"`
}

func (s *Server) handleInjectGoals(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	campaignID := r.PathValue("campaign")

	var req goalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "goals")
		return
	}
	if len(req.Goals) == 0 {
		writeError(w, http.StatusBadRequest, "goals must be a non-empty list", "goals")
		return
	}

	tasks, err := s.backend.InjectGoals(r.Context(), tenant, campaignID, req.Goals)
	if err != nil {
		s.writeBackendError(w, err, "goals")
		return
	}
	writeJSON(w, http.StatusAccepted, goalsResponse{CampaignID: campaignID, Planned: len(tasks)}, "goals")
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error, route string) {
	switch {
	case errors.Is(err, ErrUnknownTenant):
		writeError(w, http.StatusNotFound, err.Error(), route)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), route)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), route)
	default:
		s.logger.Error().Err(err).Str("route", route).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", route)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, route string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func writeError(w http.ResponseWriter, status int, msg, route string) {
	writeJSON(w, status, errorResponse{Error: msg}, route)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
