// Package runner executes a stage graph end to end: stages strictly by
// ordinal, artifacts handed forward by content-addressed handle, exported
// variables merged after each stage, and the synth stage run as soon as its
// input exists so the next run picks up the regenerated definition.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/animus-deploy/internal/artifacts"
	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/pipeline/stages"
	"github.com/animus-labs/animus-deploy/internal/platform/lineageevent"
	"github.com/animus-labs/animus-deploy/internal/platform/tracing"
	"github.com/animus-labs/animus-deploy/internal/repo"
)

// Step names the runner reports for failures outside an executor.
const (
	StepResolveInputs    = "resolve_inputs"
	StepVerifyInputs     = "verify_inputs"
	StepPublish          = "publish"
	StepExports          = "exports"
	StepUpdateDefinition = "update_definition"
)

// TriggerEvent starts one run. Graph, when set, is run instead of the
// environment's current definition. RunID, when set, names the run so a
// caller can hand it out before the run finishes.
type TriggerEvent struct {
	RunID       string
	Environment string
	Trigger     string
	Actor       string
	Graph       *domain.StageGraph
}

// StageResult is the outcome of one stage in a run.
type StageResult struct {
	Name      string             `json:"name"`
	Ordinal   int                `json:"ordinal"`
	Kind      domain.StageKind   `json:"kind"`
	Status    domain.StageStatus `json:"status"`
	Step      string             `json:"step,omitempty"`
	ErrorKind domain.ErrorKind   `json:"errorKind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Exports   map[string]string  `json:"exports,omitempty"`
}

// RunResult is the outcome of a run: per-stage status plus artifact handles.
type RunResult struct {
	RunID                 string            `json:"runId"`
	Pipeline              string            `json:"pipeline"`
	Environment           string            `json:"environment"`
	State                 domain.RunState   `json:"state"`
	DefinitionFingerprint string            `json:"definitionFingerprint"`
	Stages                []StageResult     `json:"stages"`
	Synth                 *StageResult      `json:"synth,omitempty"`
	DefinitionUpdate      *Update           `json:"definitionUpdate,omitempty"`
	Exported              map[string]string `json:"exported,omitempty"`
	FailedStage           string            `json:"failedStage,omitempty"`
	ErrorKind             domain.ErrorKind  `json:"errorKind,omitempty"`
	Error                 string            `json:"error,omitempty"`
}

// Stage returns the named stage's result, including the synth stage.
func (r RunResult) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	if r.Synth != nil && r.Synth.Name == name {
		return *r.Synth, true
	}
	return StageResult{}, false
}

type Config struct {
	Executors     stages.Executors
	Artifacts     *artifacts.Store
	Store         repo.Store
	Definitions   DefinitionStore
	Tracer        trace.Tracer
	Logger        *slog.Logger
	WorkspaceRoot string
	KeepWorkspace bool
}

type Runner struct {
	executors     stages.Executors
	artifacts     *artifacts.Store
	store         repo.Store
	definitions   DefinitionStore
	tracer        trace.Tracer
	logger        *slog.Logger
	workspaceRoot string
	keepWorkspace bool
	now           func() time.Time
	newID         func() string
}

func New(cfg Config) (*Runner, error) {
	if cfg.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("repository store is required")
	}
	r := &Runner{
		executors:     cfg.Executors,
		artifacts:     cfg.Artifacts,
		store:         cfg.Store,
		definitions:   cfg.Definitions,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger,
		workspaceRoot: strings.TrimSpace(cfg.WorkspaceRoot),
		keepWorkspace: cfg.KeepWorkspace,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	if r.definitions == nil {
		r.definitions = NewDefinitionStore(cfg.Store)
	}
	if r.tracer == nil {
		r.tracer = (*tracing.Provider)(nil).Tracer()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.workspaceRoot == "" {
		r.workspaceRoot = filepath.Join(os.TempDir(), "animus-deploy")
	}
	return r, nil
}

// Definitions exposes the store runs read their graph from.
func (r *Runner) Definitions() DefinitionStore {
	return r.definitions
}

// Trigger executes one run to completion. Graph selection errors are returned
// before any run is recorded. Once the run exists the returned error is the
// run's terminal error and the result carries the terminal record.
func (r *Runner) Trigger(ctx context.Context, ev TriggerEvent) (RunResult, error) {
	g, fingerprint, err := r.graphFor(ctx, ev)
	if err != nil {
		return RunResult{}, err
	}

	runID := strings.TrimSpace(ev.RunID)
	if runID == "" {
		runID = r.newID()
	}
	logger := r.logger.With("run_id", runID, "pipeline", g.Pipeline, "environment", g.Environment)
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String(tracing.AttrRunID, runID),
		attribute.String(tracing.AttrPipeline, g.Pipeline),
		attribute.String(tracing.AttrEnvironment, g.Environment),
	))
	defer span.End()

	result := RunResult{
		RunID:                 runID,
		Pipeline:              g.Pipeline,
		Environment:           g.Environment,
		State:                 domain.RunStateRunning,
		DefinitionFingerprint: fingerprint,
		Exported:              map[string]string{},
	}
	run := repo.Run{
		ID:                    runID,
		Pipeline:              g.Pipeline,
		Environment:           g.Environment,
		State:                 domain.RunStateRunning,
		DefinitionFingerprint: fingerprint,
		Trigger:               strings.TrimSpace(ev.Trigger),
		Actor:                 strings.TrimSpace(ev.Actor),
		CreatedAt:             r.now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return RunResult{}, fmt.Errorf("create run: %w", err)
	}

	workspace := filepath.Join(r.workspaceRoot, runID)
	defer r.cleanup(logger, runID, workspace)

	logger.Info("run started", "stages", strings.Join(g.StageNames(), ","), "trigger", run.Trigger)

	x := &execution{
		runner:    r,
		runID:     runID,
		graph:     g,
		workspace: workspace,
		logger:    logger,
		exported:  map[string]string{},
	}
	runErr := os.MkdirAll(workspace, 0o755)
	failedStage := ""
	if runErr != nil {
		runErr = fmt.Errorf("create workspace: %w", runErr)
	} else {
		failedStage, runErr = x.execute(ctx, &result)
	}
	result.Exported = copyStrings(x.exported)

	// Terminal bookkeeping must land even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	x.markNotRun(persistCtx, &result)

	finished := r.now()
	run.FinishedAt = &finished
	if runErr != nil {
		run.State = domain.RunStateFailed
		run.FailedStage = failedStage
		run.ErrorKind = domain.KindOf(runErr)
		run.ErrorMessage = runErr.Error()
		result.FailedStage = run.FailedStage
		result.ErrorKind = run.ErrorKind
		result.Error = run.ErrorMessage
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, string(run.ErrorKind)))
	} else {
		run.State = domain.RunStateSucceeded
	}
	result.State = run.State
	if err := r.store.UpdateRun(persistCtx, run); err != nil {
		logger.Error("run terminal record not stored", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("store run: %w", err)
		}
	}

	if runErr != nil {
		logger.Warn("run failed", "failed_stage", run.FailedStage, "error_kind", string(run.ErrorKind), "error", runErr)
		return result, runErr
	}
	logger.Info("run succeeded")
	return result, nil
}

func (r *Runner) graphFor(ctx context.Context, ev TriggerEvent) (domain.StageGraph, string, error) {
	if ev.Graph != nil {
		def, err := definition.New(*ev.Graph)
		if err != nil {
			return domain.StageGraph{}, "", err
		}
		if env := strings.TrimSpace(ev.Environment); env != "" && env != def.Environment {
			return domain.StageGraph{}, "", fmt.Errorf("graph is for environment %q, not %q", def.Environment, env)
		}
		return def.Graph, def.Fingerprint, nil
	}
	env := strings.TrimSpace(ev.Environment)
	if env == "" {
		return domain.StageGraph{}, "", errors.New("environment is required")
	}
	def, err := r.definitions.Current(ctx, env)
	if err != nil {
		return domain.StageGraph{}, "", err
	}
	return def.Graph, def.Fingerprint, nil
}

func (r *Runner) cleanup(logger *slog.Logger, runID, workspace string) {
	r.artifacts.Discard(runID)
	if r.keepWorkspace {
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		logger.Warn("workspace not removed", "workspace", workspace, "error", err)
	}
}

// execution is the mutable state of one run. It is owned by a single
// goroutine.
type execution struct {
	runner    *Runner
	runID     string
	graph     domain.StageGraph
	workspace string
	logger    *slog.Logger
	exported  map[string]string
	synthDone bool
}

// execute runs every stage in order and returns the failing stage's name with
// the run's terminal error.
func (x *execution) execute(ctx context.Context, result *RunResult) (string, error) {
	for _, stage := range x.graph.Stages {
		sr, err := x.runStage(ctx, stage)
		result.Stages = append(result.Stages, sr)
		if err != nil {
			return stage.Name, err
		}
		if err := x.maybeSynth(ctx, result); err != nil {
			return x.graph.Synth.Name, err
		}
	}
	return "", nil
}

// maybeSynth runs the synth stage once every one of its inputs has been
// published.
func (x *execution) maybeSynth(ctx context.Context, result *RunResult) error {
	synth := x.graph.Synth
	if synth == nil || x.synthDone {
		return nil
	}
	for _, name := range synth.Inputs {
		if _, err := x.runner.artifacts.Resolve(x.runID, name); err != nil {
			return nil
		}
	}
	x.synthDone = true

	var update *Update
	sr, err := x.runStageWith(ctx, *synth, func(ctx context.Context, res stages.Result) error {
		if res.Definition == nil {
			return domain.NewStageExecutionError(synth.Name, StepUpdateDefinition, errors.New("synth returned no definition"))
		}
		u, err := x.runner.definitions.Update(ctx, *res.Definition, x.runID)
		if err != nil {
			return domain.NewStageExecutionError(synth.Name, StepUpdateDefinition, err)
		}
		update = &u
		x.logger.Info("pipeline definition synthesized",
			"fingerprint", res.Definition.Fingerprint,
			"changed", u.Changed,
			"version", u.Version,
		)
		return nil
	})
	result.Synth = &sr
	result.DefinitionUpdate = update
	return err
}

func (x *execution) runStage(ctx context.Context, stage domain.Stage) (StageResult, error) {
	return x.runStageWith(ctx, stage, nil)
}

// runStageWith executes stage and publishes its outputs. after runs once the
// executor succeeded and before any output is published.
func (x *execution) runStageWith(ctx context.Context, stage domain.Stage, after func(context.Context, stages.Result) error) (StageResult, error) {
	r := x.runner
	ctx, span := r.tracer.Start(ctx, "stage "+stage.Name, trace.WithAttributes(
		attribute.String(tracing.AttrRunID, x.runID),
		attribute.String(tracing.AttrStage, stage.Name),
		attribute.String(tracing.AttrStageKind, string(stage.Kind)),
	))
	defer span.End()
	logger := x.logger.With("stage", stage.Name, "kind", string(stage.Kind))

	sr := StageResult{Name: stage.Name, Ordinal: stage.Ordinal, Kind: stage.Kind, Status: domain.StageStatusRunning}
	started := r.now()
	record := repo.StageExecution{
		RunID:     x.runID,
		Stage:     stage.Name,
		Ordinal:   stage.Ordinal,
		Kind:      stage.Kind,
		Status:    domain.StageStatusRunning,
		StartedAt: &started,
	}
	if stage.Kind == domain.StageKindApproval {
		record.Status = domain.StageStatusAwaitingApproval
	}
	sr.Status = record.Status
	if err := r.store.SaveStageExecution(ctx, record); err != nil {
		err = domain.NewStageExecutionError(stage.Name, "record", err)
		return x.finishFailed(ctx, span, logger, sr, record, err)
	}
	logger.Info("stage started", "ordinal", stage.Ordinal)

	handles, exports, err := x.execStage(ctx, stage, after)
	if err != nil {
		return x.finishFailed(ctx, span, logger, sr, record, err)
	}

	for k, v := range exports {
		x.exported[k] = v
	}
	finished := r.now()
	record.Status = domain.StageStatusSucceeded
	record.Outputs = handles
	record.Exports = exports
	record.FinishedAt = &finished
	sr.Status = record.Status
	sr.Artifacts = handles
	sr.Exports = exports
	if err := r.store.SaveStageExecution(ctx, record); err != nil {
		err = domain.NewStageExecutionError(stage.Name, "record", err)
		return x.finishFailed(ctx, span, logger, sr, record, err)
	}
	for _, h := range handles {
		span.AddEvent("artifact published", trace.WithAttributes(attribute.String(tracing.AttrArtifact, h)))
	}
	logger.Info("stage succeeded", "artifacts", strings.Join(handles, ","), "duration_ms", finished.Sub(started).Milliseconds())
	return sr, nil
}

func (x *execution) execStage(ctx context.Context, stage domain.Stage, after func(context.Context, stages.Result) error) ([]string, map[string]string, error) {
	r := x.runner
	inputs, err := x.resolveInputs(ctx, stage)
	if err != nil {
		return nil, nil, err
	}
	executor, err := r.executors.For(stage.Kind)
	if err != nil {
		return nil, nil, domain.NewStageExecutionError(stage.Name, "dispatch", err)
	}
	env := stages.Env{
		RunID:     x.runID,
		Stage:     stage,
		Params:    x.graph.Parameters,
		Exported:  copyStrings(x.exported),
		Inputs:    inputs,
		Workspace: x.workspace,
	}
	res, err := executor.Execute(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	for _, line := range res.Log {
		if line = strings.TrimSpace(line); line != "" {
			x.logger.Debug("stage output", "stage", stage.Name, "output", line)
		}
	}
	exports, err := checkExports(stage, res.Exports)
	if err != nil {
		return nil, nil, err
	}
	if after != nil {
		if err := after(ctx, res); err != nil {
			return nil, nil, err
		}
	}
	handles, err := x.publish(ctx, stage, res.Outputs)
	if err != nil {
		return nil, nil, err
	}
	return handles, exports, nil
}

// resolveInputs binds every declared input to its published artifact and
// checks that the files behind it are unchanged.
func (x *execution) resolveInputs(ctx context.Context, stage domain.Stage) (map[string]domain.Artifact, error) {
	r := x.runner
	inputs := make(map[string]domain.Artifact, len(stage.Inputs))
	for _, name := range stage.Inputs {
		artifact, err := r.artifacts.Resolve(x.runID, name)
		if err != nil {
			return nil, domain.NewStageExecutionError(stage.Name, StepResolveInputs, err)
		}
		if err := r.artifacts.Verify(artifact); err != nil {
			return nil, domain.NewStageExecutionError(stage.Name, StepVerifyInputs, err)
		}
		event := lineageevent.Consumed(x.runID, stage.Name, artifact.Handle(), map[string]any{"artifact": name})
		if _, err := r.store.RecordLineage(ctx, event); err != nil {
			return nil, domain.NewStageExecutionError(stage.Name, StepResolveInputs, fmt.Errorf("record lineage: %w", err))
		}
		inputs[name] = artifact
	}
	return inputs, nil
}

// publish turns the executor's outputs into handles. Every declared output
// must be present and nothing undeclared may be.
func (x *execution) publish(ctx context.Context, stage domain.Stage, outputs []stages.Output) ([]string, error) {
	r := x.runner
	byName := make(map[string]stages.Output, len(outputs))
	for _, out := range outputs {
		if _, dup := byName[out.Name]; dup {
			return nil, domain.NewStageExecutionError(stage.Name, StepPublish, fmt.Errorf("output %s returned twice", out.Name))
		}
		byName[out.Name] = out
	}
	declared := stage.OutputNames()
	for _, name := range declared {
		if _, ok := byName[name]; !ok {
			return nil, domain.NewStageExecutionError(stage.Name, StepPublish, fmt.Errorf("declared output %s was not produced", name))
		}
		delete(byName, name)
	}
	if len(byName) > 0 {
		extra := make([]string, 0, len(byName))
		for name := range byName {
			extra = append(extra, name)
		}
		sort.Strings(extra)
		return nil, domain.NewStageExecutionError(stage.Name, StepPublish, fmt.Errorf("undeclared outputs %s", strings.Join(extra, ",")))
	}

	specs := map[string][]string{}
	if stage.PrimaryOutput != nil {
		specs[stage.PrimaryOutput.Name] = stage.PrimaryOutput.Files
	}
	for _, spec := range stage.SecondaryOutputs {
		specs[spec.Name] = spec.Files
	}

	handles := make([]string, 0, len(declared))
	for _, out := range outputs {
		files := out.Files
		if len(files) == 0 {
			files = specs[out.Name]
		}
		artifact, err := r.artifacts.Publish(ctx, artifacts.Publication{
			RunID:    x.runID,
			Producer: stage.Name,
			Name:     out.Name,
			Dir:      out.Dir,
			Files:    files,
			Revision: out.Revision,
			Metadata: domain.Metadata{"stage_kind": string(stage.Kind)},
		})
		if err != nil {
			return nil, domain.NewStageExecutionError(stage.Name, StepPublish, err)
		}
		event := lineageevent.Produced(x.runID, stage.Name, artifact.Handle(), map[string]any{
			"artifact":   artifact.Name,
			"revision":   artifact.Revision,
			"size_bytes": artifact.SizeBytes,
		})
		if _, err := r.store.RecordLineage(ctx, event); err != nil {
			return nil, domain.NewStageExecutionError(stage.Name, StepPublish, fmt.Errorf("record lineage: %w", err))
		}
		handles = append(handles, artifact.Handle())
	}
	return handles, nil
}

func (x *execution) finishFailed(ctx context.Context, span trace.Span, logger *slog.Logger, sr StageResult, record repo.StageExecution, err error) (StageResult, error) {
	if domain.KindOf(err) == domain.ErrorKindStageExecution {
		err = domain.NewStageExecutionError(sr.Name, "", err)
	}
	var stageErr *domain.StageExecutionError
	if errors.As(err, &stageErr) {
		sr.Step = stageErr.Step
	}
	sr.Status = domain.StageStatusFailed
	sr.ErrorKind = domain.KindOf(err)
	sr.Error = err.Error()

	finished := x.runner.now()
	record.Status = sr.Status
	record.Step = sr.Step
	record.ErrorKind = sr.ErrorKind
	record.ErrorMessage = sr.Error
	record.FinishedAt = &finished
	if saveErr := x.runner.store.SaveStageExecution(context.WithoutCancel(ctx), record); saveErr != nil {
		logger.Error("stage failure not stored", "error", saveErr)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(tracing.AttrStageStep, sr.Step),
		attribute.String(tracing.AttrErrorKind, string(sr.ErrorKind)),
	)
	logger.Warn("stage failed", "step", sr.Step, "error_kind", string(sr.ErrorKind), "error", err)
	return sr, err
}

// markNotRun records every stage the run never reached.
func (x *execution) markNotRun(ctx context.Context, result *RunResult) {
	reached := make(map[string]struct{}, len(result.Stages))
	for _, s := range result.Stages {
		reached[s.Name] = struct{}{}
	}
	pending := make([]domain.Stage, 0)
	for _, stage := range x.graph.Stages {
		if _, ok := reached[stage.Name]; !ok {
			pending = append(pending, stage)
		}
	}
	if x.graph.Synth != nil && !x.synthDone {
		pending = append(pending, *x.graph.Synth)
	}
	for _, stage := range pending {
		sr := StageResult{Name: stage.Name, Ordinal: stage.Ordinal, Kind: stage.Kind, Status: domain.StageStatusNotRun}
		if stage.Kind == domain.StageKindSynth {
			result.Synth = &sr
		} else {
			result.Stages = append(result.Stages, sr)
		}
		err := x.runner.store.SaveStageExecution(ctx, repo.StageExecution{
			RunID:   x.runID,
			Stage:   stage.Name,
			Ordinal: stage.Ordinal,
			Kind:    stage.Kind,
			Status:  domain.StageStatusNotRun,
		})
		if err != nil {
			x.logger.Error("stage status not stored", "stage", stage.Name, "error", err)
		}
	}
}

// checkExports requires the stage to export exactly the names it declares.
func checkExports(stage domain.Stage, exports map[string]string) (map[string]string, error) {
	declared := make(map[string]struct{}, len(stage.Exports))
	for _, name := range stage.Exports {
		declared[name] = struct{}{}
		if _, ok := exports[name]; !ok {
			return nil, domain.NewStageExecutionError(stage.Name, StepExports, fmt.Errorf("declared export %s was not set", name))
		}
	}
	for name := range exports {
		if _, ok := declared[name]; !ok {
			return nil, domain.NewStageExecutionError(stage.Name, StepExports, fmt.Errorf("undeclared export %s", name))
		}
	}
	return copyStrings(exports), nil
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
