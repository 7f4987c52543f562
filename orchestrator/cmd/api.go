package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
	"github.com/animus-labs/animus-deploy/internal/pipeline/runner"
	"github.com/animus-labs/animus-deploy/internal/platform/auth"
	"github.com/animus-labs/animus-deploy/internal/platform/httpserver"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

const maxRequestBody = 64 << 10

type pipelineRunner interface {
	Trigger(ctx context.Context, ev runner.TriggerEvent) (runner.RunResult, error)
	Definitions() runner.DefinitionStore
}

// api serves run triggers, run status and approval decisions. Triggered runs
// execute in the background under baseCtx.
type api struct {
	logger    *slog.Logger
	runner    pipelineRunner
	board     *approval.Board
	store     repo.Store
	readiness []httpserver.ReadinessCheck
	// bootstrap builds the graph of an environment with no stored
	// definition. Nil rejects such triggers.
	bootstrap func(environment string) (domain.StageGraph, error)

	baseCtx context.Context
	runs    errgroup.Group
	newID   func() string
}

func newAPI(ctx context.Context, logger *slog.Logger, rt *pipelineRuntime) *api {
	return &api{
		logger:    logger,
		runner:    rt.runner,
		board:     rt.board,
		store:     rt.store,
		readiness: rt.readiness,
		baseCtx:   ctx,
		newID:     uuid.NewString,
	}
}

// handler registers every route. wrap guards all routes but the probes.
func (a *api) handler(wrap func(http.Handler) http.Handler) http.Handler {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(service, a.readiness...))
	mux.Handle("POST /pipelines/{env}/runs", wrap(http.HandlerFunc(a.handleCreateRun)))
	mux.Handle("GET /runs/{runID}", wrap(http.HandlerFunc(a.handleGetRun)))
	mux.Handle("POST /runs/{runID}/stages/{stage}/approval", wrap(http.HandlerFunc(a.handleDecide)))
	return httpserver.Wrap(a.logger, mux)
}

// wait blocks until every background run has returned.
func (a *api) wait() {
	_ = a.runs.Wait()
}

type createRunRequest struct {
	Trigger string `json:"trigger"`
}

type createRunResponse struct {
	RunID       string          `json:"runId"`
	Environment string          `json:"environment"`
	State       domain.RunState `json:"state"`
	Bootstrap   bool            `json:"bootstrap,omitempty"`
}

func (a *api) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	envName := strings.TrimSpace(r.PathValue("env"))
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = "api"
	}
	ev := runner.TriggerEvent{
		RunID:       a.newID(),
		Environment: envName,
		Trigger:     trigger,
		Actor:       actorFrom(r),
	}

	_, err := a.runner.Definitions().Current(r.Context(), envName)
	switch {
	case errors.Is(err, runner.ErrNoDefinition):
		if a.bootstrap == nil {
			httpserver.WriteError(w, r, http.StatusNotFound, "no_definition", err)
			return
		}
		g, err := a.bootstrap(envName)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusUnprocessableEntity, string(domain.KindOf(err)), err)
			return
		}
		ev.Graph = &g
	case err != nil:
		a.logger.Error("load definition", "environment", envName, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}

	a.runs.Go(func() error {
		defer a.board.Forget(ev.RunID)
		res, err := a.runner.Trigger(a.baseCtx, ev)
		if err != nil {
			a.logger.Warn("run failed", "run_id", ev.RunID, "environment", envName,
				"failed_stage", res.FailedStage, "kind", domain.KindOf(err), "error", err)
			return nil
		}
		a.logger.Info("run finished", "run_id", ev.RunID, "environment", envName, "state", res.State)
		return nil
	})

	w.Header().Set("Location", "/runs/"+ev.RunID)
	httpserver.WriteJSON(w, http.StatusAccepted, createRunResponse{
		RunID:       ev.RunID,
		Environment: envName,
		State:       domain.RunStateRunning,
		Bootstrap:   ev.Graph != nil,
	})
}

type runView struct {
	ID                    string           `json:"id"`
	Pipeline              string           `json:"pipeline"`
	Environment           string           `json:"environment"`
	State                 domain.RunState  `json:"state"`
	DefinitionFingerprint string           `json:"definitionFingerprint"`
	Trigger               string           `json:"trigger,omitempty"`
	Actor                 string           `json:"actor,omitempty"`
	FailedStage           string           `json:"failedStage,omitempty"`
	ErrorKind             domain.ErrorKind `json:"errorKind,omitempty"`
	Error                 string           `json:"error,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	FinishedAt            *time.Time       `json:"finishedAt,omitempty"`
}

type stageView struct {
	Stage      string             `json:"stage"`
	Ordinal    int                `json:"ordinal"`
	Kind       domain.StageKind   `json:"kind"`
	Status     domain.StageStatus `json:"status"`
	Step       string             `json:"step,omitempty"`
	ErrorKind  domain.ErrorKind   `json:"errorKind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Outputs    []string           `json:"outputs,omitempty"`
	Exports    map[string]string  `json:"exports,omitempty"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Approval   *gateView          `json:"approval,omitempty"`
}

type gateView struct {
	RunID       string               `json:"runId"`
	Stage       string               `json:"stage"`
	State       domain.ApprovalState `json:"state"`
	RequestedAt time.Time            `json:"requestedAt"`
	Deadline    *time.Time           `json:"deadline,omitempty"`
	Actor       string               `json:"actor,omitempty"`
	Comment     string               `json:"comment,omitempty"`
	TimedOut    bool                 `json:"timedOut,omitempty"`
	DecidedAt   *time.Time           `json:"decidedAt,omitempty"`
}

type runResponse struct {
	Run    runView     `json:"run"`
	Stages []stageView `json:"stages"`
}

func (a *api) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("runID"))
	run, err := a.store.GetRun(r.Context(), runID)
	if errors.Is(err, repo.ErrNotFound) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
		return
	}
	if err != nil {
		a.logger.Error("get run", "run_id", runID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	execs, err := a.store.ListStageExecutions(r.Context(), runID)
	if err != nil {
		a.logger.Error("list stage executions", "run_id", runID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}

	resp := runResponse{
		Run: runView{
			ID:                    run.ID,
			Pipeline:              run.Pipeline,
			Environment:           run.Environment,
			State:                 run.State,
			DefinitionFingerprint: run.DefinitionFingerprint,
			Trigger:               run.Trigger,
			Actor:                 run.Actor,
			FailedStage:           run.FailedStage,
			ErrorKind:             run.ErrorKind,
			Error:                 run.ErrorMessage,
			CreatedAt:             run.CreatedAt,
			FinishedAt:            run.FinishedAt,
		},
		Stages: make([]stageView, 0, len(execs)),
	}
	for _, exec := range execs {
		view := stageView{
			Stage:      exec.Stage,
			Ordinal:    exec.Ordinal,
			Kind:       exec.Kind,
			Status:     exec.Status,
			Step:       exec.Step,
			ErrorKind:  exec.ErrorKind,
			Error:      exec.ErrorMessage,
			Outputs:    exec.Outputs,
			Exports:    exec.Exports,
			StartedAt:  exec.StartedAt,
			FinishedAt: exec.FinishedAt,
		}
		if exec.Kind == domain.StageKindApproval {
			if decision, err := a.store.GetApproval(r.Context(), runID, exec.Stage); err == nil {
				view.Approval = gateViewFromRecord(decision)
			}
		}
		resp.Stages = append(resp.Stages, view)
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

type decisionRequest struct {
	Approve *bool  `json:"approve"`
	Comment string `json:"comment"`
}

func (a *api) handleDecide(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("runID"))
	stage := strings.TrimSpace(r.PathValue("stage"))
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if req.Approve == nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", errors.New("approve is required"))
		return
	}

	gate, err := a.board.Decide(r.Context(), runID, stage, *req.Approve, actorFrom(r), req.Comment)
	switch {
	case errors.Is(err, approval.ErrUnknownGate):
		// The run may already have finished and released its gates.
		if stored, getErr := a.store.GetApproval(r.Context(), runID, stage); getErr == nil && stored.State.Terminal() {
			httpserver.WriteError(w, r, http.StatusConflict, "already_decided", approval.ErrAlreadyDecided)
			return
		}
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", err)
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		httpserver.WriteError(w, r, http.StatusConflict, "already_decided", err)
		return
	case err != nil:
		a.logger.Error("decide approval", "run_id", runID, "stage", stage, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, gateViewFromGate(gate))
}

func gateViewFromGate(g approval.Gate) gateView {
	out := gateView{
		RunID:       g.RunID,
		Stage:       g.Stage,
		State:       g.State,
		RequestedAt: g.RequestedAt,
	}
	if !g.Deadline.IsZero() {
		deadline := g.Deadline
		out.Deadline = &deadline
	}
	if d := g.Decision; d != nil {
		out.Actor = d.Actor
		out.Comment = d.Comment
		out.TimedOut = d.TimedOut
		decidedAt := d.DecidedAt
		out.DecidedAt = &decidedAt
	}
	return out
}

func gateViewFromRecord(d repo.ApprovalDecision) *gateView {
	return &gateView{
		RunID:       d.RunID,
		Stage:       d.Stage,
		State:       d.State,
		RequestedAt: d.RequestedAt,
		Deadline:    d.Deadline,
		Actor:       d.Actor,
		Comment:     d.Comment,
		TimedOut:    d.TimedOut,
		DecidedAt:   d.DecidedAt,
	}
}

func actorFrom(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Actor() != "" {
		return identity.Actor()
	}
	return "anonymous"
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
