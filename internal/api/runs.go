package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tern-data/tern/internal/admission"
	"github.com/tern-data/tern/internal/domain"
)

// runRequest is the POST /api/run body.
type runRequest struct {
	CaseID       string        `json:"caseId"`
	SyncLimit    int           `json:"syncLimit,omitempty"`
	ExtractLimit int           `json:"extractLimit,omitempty"`
	Tenant       string        `json:"tenant,omitempty"`
	Purchaser    string        `json:"purchaser,omitempty"`
	Pairs        []domain.Pair `json:"pairs,omitempty"`
	RetryFailed  bool          `json:"retryFailed,omitempty"`
}

// HandleRun starts a run and streams its events as NDJSON until the run
// finishes or the client disconnects. Disconnecting cancels the run.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if !domain.ValidCase(req.CaseID) {
		errorJSON(w, "caseId must be one of SYNC, EXTRACT, PIPE", "INVALID_CASE", http.StatusBadRequest)
		return
	}

	params := domain.RunParams{
		SyncLimit:    req.SyncLimit,
		ExtractLimit: req.ExtractLimit,
		Tenant:       req.Tenant,
		Purchaser:    req.Purchaser,
		Pairs:        req.Pairs,
		RetryFailed:  req.RetryFailed,
	}

	events, err := s.Coordinator.StartRun(r.Context(), domain.CaseID(req.CaseID),
		params, domain.OriginManual, "")
	if err != nil {
		var conflict *admission.ConflictError
		switch {
		case errors.As(err, &conflict):
			errorJSON(w, conflict.Error(), "SCOPE_CONFLICT", http.StatusConflict)
		case errors.Is(err, domain.ErrAlreadyRunning):
			errorJSON(w, err.Error(), "ALREADY_RUNNING", http.StatusConflict)
		default:
			internalError(w, "failed to start run", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	logger := LoggerFromContext(r.Context())

	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client went away; the run context is tied to the request and
			// cancellation propagates through the coordinator.
			logger.Debug("run event stream closed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// stopRequest is the POST /api/stop body. Origin is advisory: clients may
// name which kind of run they believe they are stopping.
type stopRequest struct {
	CaseID string `json:"caseId"`
	Origin string `json:"origin,omitempty"`
}

// HandleStop requests cancellation of an in-flight run.
func (s *Server) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if !domain.ValidCase(req.CaseID) {
		errorJSON(w, "caseId must be one of SYNC, EXTRACT, PIPE", "INVALID_CASE", http.StatusBadRequest)
		return
	}
	if !s.Coordinator.Stop(domain.CaseID(req.CaseID)) {
		errorJSON(w, "no run in flight for case "+req.CaseID, "NOT_RUNNING", http.StatusNotFound)
		return
	}
	LoggerFromContext(r.Context()).Info("stop requested",
		"case", req.CaseID, "origin", req.Origin)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// caseStatusResponse answers GET /api/run-status?caseId=....
type caseStatusResponse struct {
	CaseID    domain.CaseID    `json:"caseId"`
	IsRunning bool             `json:"isRunning"`
	CanResume bool             `json:"canResume"`
	State     *domain.RunState `json:"state,omitempty"`
}

// pipelineStatusResponse answers the bare GET /api/run-status: a summary of
// the interrupted PIPE run, if any, with checkpoint counts for a resume UI.
type pipelineStatusResponse struct {
	CanResume bool   `json:"canResume"`
	RunID     string `json:"runId,omitempty"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

// HandleRunStatus reports run state. With ?caseId= it answers for one case;
// without, it reports whether the pipeline can resume and how far it got.
func (s *Server) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()

	if caseID := r.URL.Query().Get("caseId"); caseID != "" {
		if !domain.ValidCase(caseID) {
			errorJSON(w, "caseId must be one of SYNC, EXTRACT, PIPE", "INVALID_CASE", http.StatusBadRequest)
			return
		}
		_, running := s.Coordinator.Admission().Get(domain.CaseID(caseID))
		state, err := s.Runs.GetRunState(ctx, domain.CaseID(caseID))
		if err != nil {
			internalError(w, "failed to read run state", err)
			return
		}
		writeJSON(w, http.StatusOK, caseStatusResponse{
			CaseID:    domain.CaseID(caseID),
			IsRunning: running,
			CanResume: state != nil && state.Status == domain.RunStateStopped,
			State:     state,
		})
		return
	}

	state, err := s.Runs.GetRunState(ctx, domain.CasePipe)
	if err != nil {
		internalError(w, "failed to read run state", err)
		return
	}
	resp := pipelineStatusResponse{}
	if state != nil && state.Status == domain.RunStateStopped && state.RunID != "" {
		records, err := s.Runs.GetRecordsForRun(ctx, state.RunID)
		if err != nil {
			internalError(w, "failed to read run records", err)
			return
		}
		resp.CanResume = true
		resp.RunID = state.RunID
		for _, rec := range records {
			resp.Total++
			switch rec.Status {
			case domain.StatusDone, domain.StatusSkipped:
				resp.Done++
			case domain.StatusError:
				resp.Failed++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleActiveRuns lists every in-flight run known to admission.
func (s *Server) HandleActiveRuns(w http.ResponseWriter, r *http.Request) {
	active := s.Coordinator.Admission().Active()
	if active == nil {
		active = []domain.ActiveRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeRuns": active})
}

// clearRunStateRequest is the POST /api/clear-run-state body.
type clearRunStateRequest struct {
	CaseID string `json:"caseId"`
}

// HandleClearRunState drops a case's resume checkpoint so the next run starts
// fresh instead of resuming.
func (s *Server) HandleClearRunState(w http.ResponseWriter, r *http.Request) {
	var req clearRunStateRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	if !domain.ValidCase(req.CaseID) {
		errorJSON(w, "caseId must be one of SYNC, EXTRACT, PIPE", "INVALID_CASE", http.StatusBadRequest)
		return
	}
	ctx, cancel := storeCtx(r)
	defer cancel()
	if err := s.Runs.ClearRunState(ctx, domain.CaseID(req.CaseID)); err != nil {
		internalError(w, "failed to clear run state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleListRuns returns recent runs, newest first.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	_, limit := parsePaging(r)
	runs, err := s.Runs.ListRuns(ctx, limit)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleGetRun returns one run with its per-file records.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	runID := chi.URLParam(r, "runID")

	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		internalError(w, "failed to load run", err)
		return
	}
	if run == nil {
		errorJSON(w, "run "+runID+" not found", "RUN_NOT_FOUND", http.StatusNotFound)
		return
	}
	records, err := s.Runs.GetRecordsForRun(ctx, runID)
	if err != nil {
		internalError(w, "failed to load run records", err)
		return
	}
	if records == nil {
		records = []domain.ExtractionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "records": records})
}

// HandleSyncHistory returns recent sync invocations, newest first.
func (s *Server) HandleSyncHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := storeCtx(r)
	defer cancel()
	_, limit := parsePaging(r)
	entries, err := s.Runs.ListSyncHistory(ctx, limit)
	if err != nil {
		internalError(w, "failed to list sync history", err)
		return
	}
	if entries == nil {
		entries = []domain.SyncHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
