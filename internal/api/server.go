// Package api exposes the operator surface of a running loop over HTTP:
// status, history, approvals, rollback, pause, and the Prometheus metrics
// endpoint. The CLI subcommands are thin clients of this API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"selftune/internal/executor"
	"selftune/internal/logging"
	"selftune/internal/loop"
	"selftune/internal/metrics"
	"selftune/internal/store"
	"selftune/internal/types"
)

// Server is the operator HTTP API.
type Server struct {
	ctrl    *loop.Controller
	st      *store.Store
	runtime *executor.RuntimeConfig
	httpSrv *http.Server
}

// New creates the API server bound to addr.
func New(addr string, ctrl *loop.Controller, st *store.Store, runtime *executor.RuntimeConfig) *Server {
	s := &Server{ctrl: ctrl, st: st, runtime: runtime}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/diagnoses", s.handleListDiagnoses)
	mux.HandleFunc("GET /api/actions", s.handleListActions)
	mux.HandleFunc("GET /api/learnings", s.handleListLearnings)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/check", s.handleCheck)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("POST /api/diagnoses/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/diagnoses/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/actions/{id}/rollback", s.handleRollback)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.API("listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func limitParam(r *http.Request) int {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	return limit
}

// diagnosisView flattens a diagnosis for JSON output; the interface-typed
// fields need explicit rendering.
type diagnosisView struct {
	ID             string `json:"id"`
	CreatedAt      string `json:"created_at"`
	Severity       string `json:"severity"`
	Trigger        string `json:"trigger"`
	Description    string `json:"description"`
	SuspectedCause string `json:"suspected_cause,omitempty"`
	Action         string `json:"action"`
	Rationale      string `json:"rationale,omitempty"`
	Status         string `json:"status"`
	StatusReason   string `json:"status_reason,omitempty"`
}

func viewOf(d *types.SelfDiagnosis) diagnosisView {
	v := diagnosisView{
		ID:             d.ID,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
		Severity:       d.Severity.String(),
		Description:    d.Description,
		SuspectedCause: d.SuspectedCause,
		Rationale:      d.ActionRationale,
		Status:         string(d.Status),
		StatusReason:   d.StatusReason,
	}
	if d.Trigger != nil {
		v.Trigger = d.Trigger.Describe()
	}
	if d.SuggestedAction != nil {
		v.Action = d.SuggestedAction.Describe()
	}
	return v
}

func (s *Server) handleListDiagnoses(w http.ResponseWriter, r *http.Request) {
	status := types.DiagnosisStatus(r.URL.Query().Get("status"))
	diagnoses, err := s.st.ListDiagnoses(status, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]diagnosisView, 0, len(diagnoses))
	for _, d := range diagnoses {
		views = append(views, viewOf(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	outcome := types.ActionOutcome(r.URL.Query().Get("outcome"))
	actions, err := s.st.ListExecutions(outcome, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleListLearnings(w http.ResponseWriter, r *http.Request) {
	learnings, err := s.st.ListLearnings(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, learnings)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.st.ListConfigOverrides()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"params":    s.runtime.SnapshotParams(),
		"resources": s.runtime.SnapshotResources(),
		"overrides": overrides,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report := s.ctrl.RunCycle(r.Context(), true)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason          string `json:"reason"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if err := s.ctrl.Pause(body.Reason, time.Duration(body.DurationSeconds)*time.Second); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]string{"breaker": "closed"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.Approve(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if err := s.ctrl.Reject(r.PathValue("id"), body.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Rollback(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}
