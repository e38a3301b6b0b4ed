package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/taskflow/internal/config"
	"github.com/flexinfer/taskflow/internal/engine"
	"github.com/flexinfer/taskflow/internal/pipelinestore"
	"github.com/flexinfer/taskflow/internal/planner"
	"github.com/flexinfer/taskflow/internal/registry"
	"github.com/flexinfer/taskflow/internal/runstore"
	"github.com/flexinfer/taskflow/internal/trigger"
	"github.com/flexinfer/taskflow/pkg/types"
)

const maxBodyBytes = 1 << 20

// Schedules keeps cron entries in step with stored pipelines.
type Schedules interface {
	Sync(spec *types.PipelineSpec) error
	Remove(pipelineID string)
	Entries() []trigger.Entry
}

// Deps are the collaborators of the HTTP handlers. Schedules is optional.
type Deps struct {
	Engine    *engine.Engine
	Pipelines pipelinestore.Store
	Runs      runstore.RunStore
	Registry  registry.Registry
	Planner   *planner.Planner
	Schedules Schedules
	Config    *config.Config
	Logger    *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine    *engine.Engine
	pipelines pipelinestore.Store
	store     runstore.RunStore
	registry  registry.Registry
	planner   *planner.Planner
	schedules Schedules
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		engine:    deps.Engine,
		pipelines: deps.Pipelines,
		store:     deps.Runs,
		registry:  deps.Registry,
		planner:   deps.Planner,
		schedules: deps.Schedules,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"runstore":    info,
		"active_runs": len(h.engine.Active()),
	})
}

// --- Pipelines ---

// ValidateResponse reports whether a pipeline would plan.
type ValidateResponse struct {
	Valid  bool                `json:"valid"`
	Errors []map[string]string `json:"errors,omitempty"`
	Plan   *planner.PlanView   `json:"plan,omitempty"`
}

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	spec, ok := h.decodePipeline(w, r)
	if !ok {
		return
	}
	if !h.checkPlan(ctx, w, r, spec) {
		return
	}

	saved, err := h.pipelines.Create(ctx, spec)
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to create pipeline", err)
		return
	}
	h.syncSchedule(saved)

	h.logger.Info("pipeline created", slog.String("pipeline", saved.ID))
	h.respondJSON(w, http.StatusCreated, saved)
}

// ListPipelines handles GET /api/v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &pipelinestore.ListOptions{Tag: q.Get("tag")}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	specs, err := h.pipelines.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list pipelines", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": specs,
		"count":     len(specs),
	})
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	spec, err := h.pipelines.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to get pipeline", err)
		return
	}
	h.respondJSON(w, http.StatusOK, spec)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{id}
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	spec, ok := h.decodePipeline(w, r)
	if !ok {
		return
	}
	if spec.ID == "" {
		spec.ID = id
	}
	if spec.ID != id {
		h.respondError(w, r, http.StatusBadRequest, "pipeline id does not match path", nil)
		return
	}
	if !h.checkPlan(ctx, w, r, spec) {
		return
	}

	saved, err := h.pipelines.Update(ctx, id, spec)
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to update pipeline", err)
		return
	}
	h.syncSchedule(saved)
	h.respondJSON(w, http.StatusOK, saved)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.pipelines.Delete(r.Context(), id); err != nil {
		h.respondError(w, r, statusForError(err), "failed to delete pipeline", err)
		return
	}
	if h.schedules != nil {
		h.schedules.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidatePipeline handles POST /api/v1/pipelines/validate. It never stores
// anything; the response carries the plan when the pipeline is valid.
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.decodePipeline(w, r)
	if !ok {
		return
	}
	if res := h.planner.Validate(spec); !res.Valid {
		resp := ValidateResponse{}
		for _, e := range res.Errors {
			resp.Errors = append(resp.Errors, map[string]string{"path": e.Path, "message": e.Message})
		}
		h.respondJSON(w, http.StatusOK, resp)
		return
	}
	g, err := h.planner.Plan(r.Context(), spec)
	if err != nil {
		h.respondJSON(w, http.StatusOK, ValidateResponse{Errors: []map[string]string{{"message": err.Error()}}})
		return
	}
	h.respondJSON(w, http.StatusOK, ValidateResponse{Valid: true, Plan: planner.Describe(spec.ID, g)})
}

// PlanPipeline handles GET /api/v1/pipelines/{id}/plan
func (h *Handlers) PlanPipeline(w http.ResponseWriter, r *http.Request) {
	spec, g, err := h.engine.Plan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to plan pipeline", err)
		return
	}
	h.respondJSON(w, http.StatusOK, planner.Describe(spec.ID, g))
}

// StartRun handles POST /api/v1/pipelines/{id}/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	if _, ok := req.Metadata["trigger"]; !ok {
		req.Metadata["trigger"] = "api"
	}

	resp, err := h.engine.StartRun(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to start run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

// --- Runs ---

// RunDetail is a run together with its step history and, once finished,
// its result.
type RunDetail struct {
	*types.Run
	History map[string][]types.StepResult `json:"history,omitempty"`
	Result  *types.RunResult              `json:"result,omitempty"`
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pipeline := r.URL.Query().Get("pipeline")

	ids, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	runs := make([]*types.RunMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := h.store.GetRunMeta(ctx, id)
		if err != nil {
			// expired between the two calls
			continue
		}
		if pipeline != "" && meta.Pipeline != pipeline {
			continue
		}
		runs = append(runs, meta)
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to get run", err)
		return
	}
	detail := RunDetail{Run: run}

	res, err := h.store.GetResult(ctx, runID)
	switch {
	case err == nil:
		detail.Result = res
	case errors.Is(err, runstore.ErrResultNotReady):
		history, err := h.store.GetHistory(ctx, runID)
		if err != nil {
			h.respondError(w, r, statusForError(err), "failed to get run history", err)
			return
		}
		detail.History = history
	default:
		h.respondError(w, r, statusForError(err), "failed to get run result", err)
		return
	}
	h.respondJSON(w, http.StatusOK, detail)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.engine.CancelRun(r.Context(), runID); err != nil {
		h.respondError(w, r, statusForError(err), "failed to cancel run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancelling",
	})
}

// --- Operators and schedules ---

// ListOperators handles GET /api/v1/operators
func (h *Handlers) ListOperators(w http.ResponseWriter, r *http.Request) {
	var opts registry.ListOptions
	if tag := r.URL.Query().Get("tag"); tag != "" {
		opts.Tags = []string{tag}
	}
	ops, err := h.registry.List(r.Context(), &opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list operators", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"operators": ops,
		"count":     len(ops),
	})
}

// ListSchedules handles GET /api/v1/schedules
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []trigger.Entry{}
	if h.schedules != nil {
		entries = h.schedules.Entries()
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": entries,
		"count":     len(entries),
	})
}

// --- Helper Methods ---

// decodePipeline reads a JSON or YAML pipeline from the request body,
// picking the format from Content-Type.
func (h *Handlers) decodePipeline(w http.ResponseWriter, r *http.Request) (*types.PipelineSpec, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return nil, false
	}
	format := planner.FormatJSON
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		switch mt {
		case "application/yaml", "application/x-yaml", "text/yaml":
			format = planner.FormatYAML
		}
	}
	spec, err := planner.Load(body, format)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline", err)
		return nil, false
	}
	return spec, true
}

// checkPlan rejects a pipeline that fails schema validation or planning.
func (h *Handlers) checkPlan(ctx context.Context, w http.ResponseWriter, r *http.Request, spec *types.PipelineSpec) bool {
	if res := h.planner.Validate(spec); !res.Valid {
		details := map[string]interface{}{"errors": res.Errors}
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidSpec, "pipeline failed validation", details)
		return false
	}
	if _, err := h.planner.Plan(ctx, spec); err != nil {
		h.respondError(w, r, http.StatusUnprocessableEntity, "pipeline failed planning", err)
		return false
	}
	return true
}

func (h *Handlers) syncSchedule(spec *types.PipelineSpec) {
	if h.schedules == nil {
		return
	}
	if err := h.schedules.Sync(spec); err != nil {
		h.logger.Error("failed to sync schedule",
			slog.String("pipeline", spec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			slog.String("request_id", GetRequestID(r.Context(), r)),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
