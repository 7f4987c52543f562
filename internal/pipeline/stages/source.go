package stages

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
)

// ExportCommitID names the variable a source stage exports.
const ExportCommitID = "commitId"

// SourceExecutor fetches the configured branch into the stage directory.
type SourceExecutor struct {
	Source runtimeexec.Source
}

func (e *SourceExecutor) Execute(ctx context.Context, env Env) (Result, error) {
	spec := env.Stage.Source
	if spec == nil {
		return fail(env, "validate", errors.New("source payload is missing"))
	}
	if e == nil || e.Source == nil {
		return fail(env, "fetch", errors.New("source client not configured"))
	}

	dest := filepath.Join(env.StageDir(), "src")
	revision, err := e.Source.Fetch(ctx, runtimeexec.FetchRequest{
		Owner:         spec.Owner,
		Repo:          spec.Repo,
		Branch:        spec.Branch,
		ConnectionRef: spec.ConnectionRef,
		Dest:          dest,
	})
	if err != nil {
		return fail(env, "fetch", err)
	}
	if revision == "" {
		return fail(env, "fetch", errors.New("source returned no revision"))
	}

	result := Result{Exports: map[string]string{}}
	if env.Stage.PrimaryOutput != nil {
		result.Outputs = append(result.Outputs, Output{
			Name:     env.Stage.PrimaryOutput.Name,
			Dir:      dest,
			Files:    env.Stage.PrimaryOutput.Files,
			Revision: revision,
		})
	}
	for _, name := range env.Stage.Exports {
		if name == ExportCommitID {
			result.Exports[name] = revision
		}
	}
	return result, nil
}
