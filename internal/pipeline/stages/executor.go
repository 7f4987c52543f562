// Package stages implements the execution contract of each stage kind.
//
// Executors never publish artifacts themselves. They return the directories
// and files that make up their outputs and the runner turns those into
// content-addressed handles once the stage has succeeded, so a failed stage
// leaves nothing behind for downstream stages.
package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/animus-labs/animus-deploy/internal/domain"
	"github.com/animus-labs/animus-deploy/internal/pipeline/definition"
	"github.com/animus-labs/animus-deploy/internal/pipeline/template"
)

// Env is everything one stage execution may read.
type Env struct {
	RunID    string
	Stage    domain.Stage
	Params   domain.ParameterSet
	Exported map[string]string
	Inputs   map[string]domain.Artifact
	// Workspace is the run's scratch root. Each stage writes below
	// Workspace/<stage name>.
	Workspace string
}

// Output is one produced artifact, not yet published.
type Output struct {
	Name     string
	Dir      string
	Files    []string
	Revision string
}

// Result is what a successful stage hands back to the runner.
type Result struct {
	Outputs    []Output
	Exports    map[string]string
	Definition *definition.Definition
	Log        []string
}

// Executor runs one stage kind.
type Executor interface {
	Execute(ctx context.Context, env Env) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env Env) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, env Env) (Result, error) {
	return f(ctx, env)
}

// Executors dispatches on stage kind.
type Executors struct {
	Source   Executor
	Approval Executor
	Build    Executor
	Deploy   Executor
	Synth    Executor
}

// For returns the executor for kind.
func (e Executors) For(kind domain.StageKind) (Executor, error) {
	var exec Executor
	switch kind {
	case domain.StageKindSource:
		exec = e.Source
	case domain.StageKindApproval:
		exec = e.Approval
	case domain.StageKindBuild:
		exec = e.Build
	case domain.StageKindDeploy:
		exec = e.Deploy
	case domain.StageKindSynth:
		exec = e.Synth
	default:
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
	if exec == nil {
		return nil, fmt.Errorf("no executor configured for %s stages", kind)
	}
	return exec, nil
}

// StageDir is the stage's private directory inside the run workspace.
func (e Env) StageDir() string {
	return filepath.Join(e.Workspace, e.Stage.Name)
}

// Input returns the artifact bound to the stage's i-th input.
func (e Env) Input(i int) (domain.Artifact, error) {
	if i >= len(e.Stage.Inputs) {
		return domain.Artifact{}, fmt.Errorf("stage %s declares %d inputs, wanted input %d", e.Stage.Name, len(e.Stage.Inputs), i)
	}
	name := e.Stage.Inputs[i]
	artifact, ok := e.Inputs[name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("input %s has not been produced", name)
	}
	return artifact, nil
}

func (e Env) scope() template.Scope {
	return template.Scope{Params: e.Params.Values(), Exported: e.Exported}
}

// Render renders one templated string against the stage's scope.
func (e Env) Render(label, raw string) (string, error) {
	return template.Render(e.Stage.Name+"."+label, raw, e.scope())
}

// Commands renders the stage's command templates in order.
func (e Env) Commands() ([]string, error) {
	return template.RenderAll(e.Stage.Name+".commands", e.Stage.Commands, e.scope())
}

// Variables renders the stage's environment templates.
func (e Env) Variables() (map[string]string, error) {
	keys := make([]string, 0, len(e.Stage.Env))
	for k := range e.Stage.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := e.Render("env."+k, e.Stage.Env[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func fail(env Env, step string, err error) (Result, error) {
	return Result{}, domain.NewStageExecutionError(env.Stage.Name, step, err)
}

func mergeVars(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
