package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/job"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// StartRunRequest is the body of POST /api/runs. Every field is optional;
// omitting both dates harvests yesterday.
type StartRunRequest struct {
	MinDate   *types.Date `json:"minDate,omitempty"`
	MaxDate   *types.Date `json:"maxDate,omitempty"`
	Accounts  []string    `json:"accounts,omitempty"`
	PageLimit int         `json:"pageLimit,omitempty"`
	MaxPages  int         `json:"maxPages,omitempty"`
}

// StartRunResponse acknowledges a run accepted for background execution
type StartRunResponse struct {
	RunID  string                 `json:"runId"`
	Window types.ExtractionWindow `json:"window"`
	Status string                 `json:"status"`
}

// RunResult is returned by a synchronous run that reached a stage
type RunResult struct {
	Run   *models.RunReport   `json:"run"`
	Error *types.ServiceError `json:"error,omitempty"`
}

// ListRunsResponse wraps the ledger listing
type ListRunsResponse struct {
	Runs  []*models.RunReport `json:"runs"`
	Count int                 `json:"count"`
}

// ListAggregatesResponse wraps the aggregate rows
type ListAggregatesResponse struct {
	Rows  []*models.AggregateRow `json:"rows"`
	Count int                    `json:"count"`
}

// toRunInput validates the request shape and converts it to a job input
func (req *StartRunRequest) toRunInput() (*job.RunInput, error) {
	input := &job.RunInput{
		PageLimit: req.PageLimit,
		MaxPages:  req.MaxPages,
		Trigger:   models.TriggerManual,
	}

	switch {
	case req.MinDate != nil && req.MaxDate != nil:
		input.Window = types.ExtractionWindow{MinDate: *req.MinDate, MaxDate: *req.MaxDate}
	case req.MinDate != nil || req.MaxDate != nil:
		return nil, errors.NewInvalidParameterError("window", "minDate and maxDate must be given together")
	}

	for _, raw := range req.Accounts {
		account := types.NormalizeAccount(raw)
		if account == "" {
			return nil, errors.NewInvalidParameterError("accounts", "account handles must not be blank")
		}
		input.Accounts = append(input.Accounts, account)
	}

	return input, nil
}

// handleStartRun handles POST /api/runs. The run executes in the background
// unless ?wait=true, in which case the response carries the final report.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var req StartRunRequest
	if err := parseJSONBody(r, &req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	input, err := req.toRunInput()
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	resolved, err := s.deps.Runs.ResolveInput(input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if s.deps.Lock != nil {
		held, err := s.deps.Lock.Held(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to check run lock")
		} else if held {
			respondServiceError(w, r, errors.ErrRunInProgress)
			return
		}
	}

	if r.URL.Query().Get("wait") == "true" {
		s.runSync(w, r, resolved)
		return
	}

	runLogger := logger.WithField("runId", resolved.RunID)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// the job logs its own outcome
		_, _ = s.deps.Runs.Run(logging.WithLogger(s.runCtx, runLogger), resolved)
	}()

	respondJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:  resolved.RunID,
		Window: resolved.Window,
		Status: "accepted",
	})
}

// runSync executes the run on the request context and reports its outcome
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, input *job.RunInput) {
	report, err := s.deps.Runs.Run(r.Context(), input)
	if err != nil && report == nil {
		respondServiceError(w, r, err)
		return
	}

	if err != nil {
		catErr := errors.Categorize(err)
		respondJSON(w, catErr.StatusCode, RunResult{Run: report, Error: catErr.ToServiceError()})
		return
	}
	respondJSON(w, http.StatusOK, RunResult{Run: report})
}

// handleGetRun handles GET /api/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Run ledger is not configured", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		respondServiceError(w, r, errors.NewInvalidParameterError("id", "must be a UUID"))
		return
	}

	report, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleListRuns handles GET /api/runs?limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Run ledger is not configured", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondServiceError(w, r, errors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := s.deps.Store.List(r.Context(), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.RunReport{}
	}

	respondJSON(w, http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

// handleListAggregates handles GET /api/aggregates?screen_name=
func (s *Server) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregates == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Warehouse is not configured", nil)
		return
	}

	screenName := types.NormalizeAccount(r.URL.Query().Get("screen_name"))
	rows, err := s.deps.Aggregates.ListAggregate(r.Context(), string(screenName))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.AggregateRow{}
	}

	respondJSON(w, http.StatusOK, ListAggregatesResponse{Rows: rows, Count: len(rows)})
}

// handleSchedulerStatus handles GET /api/scheduler
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Scheduler is not running in this process", nil)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Scheduler.GetStatus())
}
